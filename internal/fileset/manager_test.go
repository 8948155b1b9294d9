package fileset

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/hlc"
	"github.com/latticedb/lattice/internal/migrate"
	"github.com/latticedb/lattice/internal/schema"
)

func newTestManager(t *testing.T) (*Manager, schema.Column) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := core.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, migrate.EnsureSystemTables(ctx, e))

	clock := hlc.NewClock("node-1")
	repo := NewMemoryRepository(zerolog.Nop())
	m := NewManager(e, clock, repo)

	maxCount := 2
	maxSize := int64(1024)
	col := schema.Column{
		Name:             "photos",
		LogicalType:      schema.LogicalFileset,
		PhysicalType:     schema.PhysicalText,
		MaxCount:         &maxCount,
		MaxFileSizeBytes: &maxSize,
	}
	return m, col
}

// S6 — fileset constraints.
func TestAddFile_EnforcesMaxCountAndMaxSize(t *testing.T) {
	ctx := context.Background()
	m, col := newTestManager(t)

	_, err := m.AddFile(ctx, col, "photoset1", "a.jpg", "image/jpeg", 500, bytes.NewReader(make([]byte, 500)))
	require.NoError(t, err)

	_, err = m.AddFile(ctx, col, "photoset1", "b.jpg", "image/jpeg", 500, bytes.NewReader(make([]byte, 500)))
	require.NoError(t, err)

	_, err = m.AddFile(ctx, col, "photoset1", "c.jpg", "image/jpeg", 500, bytes.NewReader(make([]byte, 500)))
	require.Error(t, err)
	var invalid *core.InvalidData
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reason, "max_count")

	_, err = m.AddFile(ctx, col, "photoset2", "d.jpg", "image/jpeg", 2048, bytes.NewReader(make([]byte, 2048)))
	require.Error(t, err)
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reason, "max_file_size")
}

// Fileset invariants (property 9).
func TestAddFile_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	m, col := newTestManager(t)

	id, err := m.AddFile(ctx, col, "fsX", "a.jpg", "image/jpeg", 10, bytes.NewReader(make([]byte, 10)))
	require.NoError(t, err)

	metas, err := m.List(ctx, "fsX")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, id, metas[0].ID)

	count, err := m.Count(ctx, "fsX")
	require.NoError(t, err)
	require.LessOrEqual(t, count, *col.MaxCount)

	require.NoError(t, m.DeleteFile(ctx, "fsX", id))

	metas, err = m.List(ctx, "fsX")
	require.NoError(t, err)
	require.Empty(t, metas)

	_, err = m.GetFile(ctx, "fsX", id)
	require.Error(t, err)
}

// GC completeness (property 10), exercised through the manager's GCAll.
func TestGCAll(t *testing.T) {
	ctx := context.Background()
	m, col := newTestManager(t)

	keepID, err := m.AddFile(ctx, col, "fsKeep", "keep.jpg", "image/jpeg", 10, bytes.NewReader(make([]byte, 10)))
	require.NoError(t, err)

	// Orphan file written directly to the repository, bypassing __files.
	require.NoError(t, m.repo.AddFile(ctx, "fsKeep", "orphan-file", bytes.NewReader([]byte("x"))))
	require.NoError(t, m.repo.AddFile(ctx, "fsOrphanSet", "anything", bytes.NewReader([]byte("y"))))

	removed, err := m.GCAll(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, removed) // one orphan fileset dir + one orphan file

	metas, err := m.List(ctx, "fsKeep")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, keepID, metas[0].ID)

	_, err = m.repo.GetFile(ctx, "fsKeep", "orphan-file")
	require.Error(t, err)
	_, err = m.repo.GetFile(ctx, "fsOrphanSet", "anything")
	require.Error(t, err)
}

func TestManager_WatchRootDelegatesToRepository(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	stop, err := m.WatchRoot(ctx, func() {})
	require.NoError(t, err)
	require.NoError(t, stop())
}
