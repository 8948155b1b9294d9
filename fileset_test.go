package lattice

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/fileset"
	"github.com/latticedb/lattice/internal/schema"
)

func albumsSchema(t *testing.T) schema.Schema {
	t.Helper()
	maxCount := 2
	maxSize := int64(1024)
	sch, err := schema.NewBuilder().
		Table("albums").
		Column(schema.Column{Name: "title", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		Column(schema.Column{
			Name: "photos", LogicalType: schema.LogicalFileset, NotNull: true, Default: schema.ScalarDefault(""),
			MaxCount: &maxCount, MaxFileSizeBytes: &maxSize,
		}).
		PrimaryKey("system_id").
		Done().
		Build()
	require.NoError(t, err)
	return *sch
}

// S6 — fileset constraints, exercised through the Database facade.
func TestDatabase_FilesetConstraintsViaFacade(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(ctx, path, albumsSchema(t))
	require.NoError(t, err)
	defer db.Close()

	rec, err := db.Insert(ctx, "albums", map[string]interface{}{"title": "Vacation"})
	require.NoError(t, err)
	filesetID := rec.Get("system_id").(string)

	col, ok := db.Schema().Table("albums")
	require.True(t, ok)
	photosCol, ok := col.Column("photos")
	require.True(t, ok)

	_, err = db.Files().AddFile(ctx, photosCol, filesetID, "a.jpg", "image/jpeg", 500, bytes.NewReader(make([]byte, 500)))
	require.NoError(t, err)
	_, err = db.Files().AddFile(ctx, photosCol, filesetID, "b.jpg", "image/jpeg", 500, bytes.NewReader(make([]byte, 500)))
	require.NoError(t, err)

	_, err = db.Files().AddFile(ctx, photosCol, filesetID, "c.jpg", "image/jpeg", 500, bytes.NewReader(make([]byte, 500)))
	require.Error(t, err)
	var invalid *core.InvalidData
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reason, "max_count")

	_, err = db.Files().AddFile(ctx, photosCol, filesetID, "big.jpg", "image/jpeg", 2048, bytes.NewReader(make([]byte, 2048)))
	require.Error(t, err)
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reason, "max_file_size")
}

// Spec §4.8 — a fileset blob written by another process to the repository
// root should be observable through the Database facade.
func TestDatabase_WatchFilesetRootObservesExternalWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobRoot := filepath.Join(t.TempDir(), "blobs")
	repo, err := fileset.NewFilesystemRepository(blobRoot, zerolog.Nop())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(ctx, path, albumsSchema(t), WithFileRepository(repo))
	require.NoError(t, err)
	defer db.Close()

	events := make(chan struct{}, 1)
	stop, err := db.WatchFilesetRoot(ctx, func() {
		select {
		case events <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, "restored.blob"), []byte("from backup"), 0o644))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected WatchFilesetRoot to observe the external write")
	}
}
