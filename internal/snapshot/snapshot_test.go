package snapshot

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/hash/sha256"
	"github.com/JakeFAU/crudivore/internal/prerender"
	memorypublisher "github.com/JakeFAU/crudivore/internal/publisher/memory"
	"github.com/JakeFAU/crudivore/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestArchiveWritesBody(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	clock := fixedClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	a := New(store, sha256.New(), clock, "/snapshots/", zap.NewNop())

	req := prerender.NewRequest("http://app.test/#!/hashtest")
	uri, err := a.Archive(context.Background(), req, prerender.Result{Status: 200, Body: "<p>hi</p>"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "memory://snapshots/2026/10/18/"))

	paths := store.Paths()
	require.Len(t, paths, 1)
	data, contentType, ok := store.Object(paths[0])
	require.True(t, ok)
	require.Equal(t, "<p>hi</p>", string(data))
	require.Equal(t, "text/html; charset=utf-8", contentType)

	// Same target and body map to the same object.
	_, err = a.Archive(context.Background(), req, prerender.Result{Status: 200, Body: "<p>hi</p>"})
	require.NoError(t, err)
	require.Len(t, store.Paths(), 1)
}

func TestArchiveWithoutPrefix(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := New(store, sha256.New(), fixedClock{now: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}, "", nil)
	_, err := a.Archive(context.Background(), prerender.NewRequest("http://app.test/"), prerender.Result{Body: "x"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(store.Paths()[0], "2026/01/02/"))
}

func TestArchiveStoreFailure(t *testing.T) {
	t.Parallel()

	a := New(failingStore{}, sha256.New(), fixedClock{now: time.Now()}, "snapshots", zap.NewNop())
	_, err := a.Archive(context.Background(), prerender.NewRequest("http://app.test/"), prerender.Result{Body: "x"})
	require.ErrorContains(t, err, "bucket unavailable")
}

type recordingIndex struct {
	events []Event
	err    error
}

func (r *recordingIndex) Record(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic deleted")
}

func TestArchivePublishesEvent(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	pub := memorypublisher.New(0)
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	a := New(store, sha256.New(), fixedClock{now: now}, "snapshots", zap.NewNop(), WithPublisher(pub, "rendered"))

	uri, err := a.Archive(context.Background(), prerender.NewRequest("http://app.test/#!/x"), prerender.Result{Status: 404, Body: "gone"})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "rendered", msgs[0].Topic)
	event, ok := msgs[0].Payload.(Event)
	require.True(t, ok)
	require.Equal(t, "http://app.test/#!/x", event.Target)
	require.Equal(t, uri, event.URI)
	require.Equal(t, 404, event.Status)
	require.Equal(t, now, event.ArchivedAt)
	require.Contains(t, uri, event.ContentHash)
}

func TestArchivePublishFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := New(store, sha256.New(), fixedClock{now: time.Now()}, "", zap.NewNop(), WithPublisher(failingPublisher{}, "rendered"))
	uri, err := a.Archive(context.Background(), prerender.NewRequest("http://app.test/"), prerender.Result{Body: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, uri)
	require.Len(t, store.Paths(), 1)
}

func TestArchiveRecordsIndex(t *testing.T) {
	t.Parallel()

	idx := &recordingIndex{}
	a := New(memory.NewBlobStore(), sha256.New(), fixedClock{now: time.Now()}, "", zap.NewNop(), WithIndex(idx))
	res := prerender.Result{Status: 302, Headers: map[string]string{"Location": "/next"}, Body: "moved"}
	uri, err := a.Archive(context.Background(), prerender.NewRequest("http://app.test/old"), res)
	require.NoError(t, err)

	require.Len(t, idx.events, 1)
	require.Equal(t, uri, idx.events[0].URI)
	require.Equal(t, 302, idx.events[0].Status)
	require.Equal(t, "/next", idx.events[0].Headers["Location"])
	require.NotEmpty(t, idx.events[0].TargetHash)

	idx.err = errors.New("database down")
	_, err = a.Archive(context.Background(), prerender.NewRequest("http://app.test/old"), res)
	require.NoError(t, err)
	require.Len(t, idx.events, 2)
}
