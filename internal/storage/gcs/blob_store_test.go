package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "snapshots"})
	require.ErrorContains(t, err, "client is required")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")

	store, err := New(&storage.Client{}, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpenRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "text/html", nil)
	require.ErrorContains(t, err, "path is required")
}
