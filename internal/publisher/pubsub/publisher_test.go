package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "snapshots")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { require.NoError(t, pub.Close()) })

	id, err := pub.Publish(ctx, "snapshots", map[string]any{"target": "http://app.test/", "status": 200})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "http://app.test/", got["target"])
	require.InDelta(t, 200, got["status"], 0)
}

func TestPublishMissingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub := New(client)
	t.Cleanup(func() { require.NoError(t, pub.Close()) })

	_, err := pub.Publish(context.Background(), "absent", "payload")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "", "payload")
	require.ErrorContains(t, err, "topic is required")
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", "payload")
	require.ErrorContains(t, err, "not configured")
}

func TestOpenRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.ErrorContains(t, err, "project id is required")
}
