package fileset

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_AddGetRemove(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository(zerolog.Nop())

	require.NoError(t, r.AddFile(ctx, "fs1", "f1", bytes.NewReader([]byte("hello"))))

	rc, err := r.GetFile(ctx, "fs1", "f1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, "hello", string(data))

	require.NoError(t, r.RemoveFile(ctx, "fs1", "f1"))
	_, err = r.GetFile(ctx, "fs1", "f1")
	require.Error(t, err)
}

func TestMemoryRepository_AddFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository(zerolog.Nop())

	require.NoError(t, r.AddFile(ctx, "fs1", "f1", bytes.NewReader([]byte("v1"))))
	require.NoError(t, r.AddFile(ctx, "fs1", "f1", bytes.NewReader([]byte("v2"))))

	rc, err := r.GetFile(ctx, "fs1", "f1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))
}

func TestFilesystemRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "blobs")
	r, err := NewFilesystemRepository(root, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.AddFile(ctx, "fsA", "file1", bytes.NewReader([]byte("content"))))

	rc, err := r.GetFile(ctx, "fsA", "file1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, "content", string(data))
}

// GC completeness (property 10): after gc_all, every repository entry
// corresponds to a row in __files — exercised here at the repository
// layer directly.
func TestGCFilesetsAndFiles(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository(zerolog.Nop())

	require.NoError(t, r.AddFile(ctx, "keep", "a", bytes.NewReader([]byte("1"))))
	require.NoError(t, r.AddFile(ctx, "keep", "orphan", bytes.NewReader([]byte("2"))))
	require.NoError(t, r.AddFile(ctx, "gone", "b", bytes.NewReader([]byte("3"))))

	removedSets, err := r.GCFilesets(ctx, map[string]struct{}{"keep": {}})
	require.NoError(t, err)
	require.Equal(t, 1, removedSets)

	removedFiles, err := r.GCFiles(ctx, "keep", map[string]struct{}{"a": {}})
	require.NoError(t, err)
	require.Equal(t, 1, removedFiles)

	_, err = r.GetFile(ctx, "keep", "a")
	require.NoError(t, err)
	_, err = r.GetFile(ctx, "keep", "orphan")
	require.Error(t, err)
	_, err = r.GetFile(ctx, "gone", "b")
	require.Error(t, err)
}

func TestMemoryRepository_WatchRootIsNoOp(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository(zerolog.Nop())

	called := false
	stop, err := r.WatchRoot(ctx, func() { called = true })
	require.NoError(t, err)
	require.NoError(t, stop())
	require.False(t, called)
}

func TestFilesystemRepository_WatchRootFiresOnExternalWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := filepath.Join(t.TempDir(), "blobs")
	r, err := NewFilesystemRepository(root, zerolog.Nop())
	require.NoError(t, err)

	events := make(chan struct{}, 1)
	stop, err := r.WatchRoot(ctx, func() {
		select {
		case events <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "external.blob"), []byte("from another process"), 0o644))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected WatchRoot to observe the external write")
	}
}
