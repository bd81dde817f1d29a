package badger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mxarchive/internal/blob"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), quietLog)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "media/example.org/cat")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "media/example.org/cat", []byte("meow"), "image/png"))

	ok, err = s.Exists(ctx, "media/example.org/cat")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, "media/example.org/cat")
	require.NoError(t, err)
	assert.Equal(t, []byte("meow"), data)
}

func TestStore_PutIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v"), ""))
	require.NoError(t, s.Put(ctx, "k", []byte("v"), ""))

	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTest(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, quietLog)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("persisted"), ""))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(dir, quietLog)
	require.NoError(t, err)
	defer s.Close()
	data, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

func TestLoad_RequiresPath(t *testing.T) {
	_, err := blob.Open(context.Background(), blob.Config{Backend: "badger"}, quietLog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestLoad_ViaRegistry(t *testing.T) {
	s, err := blob.Open(context.Background(), blob.Config{Path: t.TempDir()}, quietLog)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &Store{}, s)
}
