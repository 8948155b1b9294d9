package fileset

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/hlc"
	"github.com/latticedb/lattice/internal/schema"
)

// Meta is one `__files` row.
type Meta struct {
	ID         string
	Fileset    string
	Name       string
	Size       int64
	Mime       string
	CreatedAt  string
	ModifiedAt string
}

// Manager binds fileset *columns* to a Repository and the `__files`
// metadata table (component C12). For each column declared `fileset` on a
// row, the column's value is the fileset id.
type Manager struct {
	engine *core.Engine
	clock  *hlc.Clock
	repo   *Repository
}

func NewManager(engine *core.Engine, clock *hlc.Clock, repo *Repository) *Manager {
	return &Manager{engine: engine, clock: clock, repo: repo}
}

// WithEngine returns a Manager sharing clock and repo but bound to a
// different engine handle — used by lattice.Database.Transaction to run
// fileset metadata writes inside the caller's transaction.
func (m *Manager) WithEngine(engine *core.Engine) *Manager {
	return &Manager{engine: engine, clock: m.clock, repo: m.repo}
}

// WatchRoot watches the underlying repository's root for blobs written by
// another process (e.g. a sync agent restoring filesets from a backup) and
// invokes callback so the caller can reconcile `__files` against the
// repository's actual contents, typically by running GCAll with the
// affected fileset ids as additionalValid. The returned func stops the
// watch. A no-op stop/never-fires watch is returned for an in-memory
// repository, since nothing outside this process can write to it.
func (m *Manager) WatchRoot(ctx context.Context, callback func()) (func() error, error) {
	return m.repo.WatchRoot(ctx, callback)
}

// AddFile mints a new file id, writes content through the repository, and
// inserts its `__files` metadata row, after enforcing the column's
// max_count and max_file_size_bytes constraints (spec §4.8). size must be
// the exact content length being written.
func (m *Manager) AddFile(ctx context.Context, col schema.Column, filesetID, name, mime string, size int64, content io.Reader) (string, error) {
	if col.LogicalType != schema.LogicalFileset {
		return "", &core.InvalidData{Reason: fmt.Sprintf("column %s is not a fileset column", col.Name)}
	}

	if col.MaxFileSizeBytes != nil && size > *col.MaxFileSizeBytes {
		return "", &core.InvalidData{Reason: "max_file_size exceeded"}
	}
	count, err := m.Count(ctx, filesetID)
	if err != nil {
		return "", err
	}
	if col.MaxCount != nil && count >= *col.MaxCount {
		return "", &core.InvalidData{Reason: "max_count exceeded"}
	}

	fileID := uuid.New().String()
	if err := m.repo.AddFile(ctx, filesetID, fileID, content); err != nil {
		return "", err
	}

	now := m.clock.Now().String()
	_, err = m.engine.Exec(ctx, `
		INSERT INTO __files (id, fileset, name, size, mime, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, fileID, filesetID, name, size, mime, now, now)
	if err != nil {
		_ = m.repo.RemoveFile(ctx, filesetID, fileID)
		return "", core.Classify(err, core.OpCreate, "__files", "")
	}

	return fileID, nil
}

// DeleteFile removes the `__files` row first, then asks the repository to
// remove the content (spec §4.8: metadata row is authoritative; content
// removal follows it).
func (m *Manager) DeleteFile(ctx context.Context, fileset, fileID string) error {
	_, err := m.engine.Exec(ctx, "DELETE FROM __files WHERE id = ? AND fileset = ?", fileID, fileset)
	if err != nil {
		return core.Classify(err, core.OpDelete, "__files", "")
	}
	return m.repo.RemoveFile(ctx, fileset, fileID)
}

// GetFile opens a file's content via the repository.
func (m *Manager) GetFile(ctx context.Context, fileset, fileID string) (io.ReadCloser, error) {
	return m.repo.GetFile(ctx, fileset, fileID)
}

// List returns every `__files` row for fileset.
func (m *Manager) List(ctx context.Context, fileset string) ([]Meta, error) {
	rows, err := m.engine.Query(ctx, `
		SELECT id, fileset, name, size, mime, created_at, modified_at
		FROM __files WHERE fileset = ? ORDER BY created_at ASC
	`, fileset)
	if err != nil {
		return nil, core.Classify(err, core.OpRead, "__files", "")
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var mm Meta
		if err := rows.Scan(&mm.ID, &mm.Fileset, &mm.Name, &mm.Size, &mm.Mime, &mm.CreatedAt, &mm.ModifiedAt); err != nil {
			return nil, core.Classify(err, core.OpRead, "__files", "")
		}
		metas = append(metas, mm)
	}
	return metas, rows.Err()
}

// Count returns the number of files currently registered under fileset.
func (m *Manager) Count(ctx context.Context, fileset string) (int, error) {
	var n int
	err := m.engine.QueryRow(ctx, "SELECT COUNT(*) FROM __files WHERE fileset = ?", fileset).Scan(&n)
	if err != nil {
		return 0, core.Classify(err, core.OpRead, "__files", "")
	}
	return n, nil
}

// GCAll runs the full garbage-collection algorithm (spec §4.8): every
// fileset referenced by __files (plus any caller-supplied
// additionalValid, e.g. filesets not yet committed) is kept; every other
// repository entry is removed. Within each kept fileset, every file not
// referenced by __files is removed. The returned count is the total
// number of filesets plus files actually removed.
func (m *Manager) GCAll(ctx context.Context, additionalValid []string) (int, error) {
	rows, err := m.engine.Query(ctx, "SELECT DISTINCT fileset FROM __files")
	if err != nil {
		return 0, core.Classify(err, core.OpRead, "__files", "")
	}
	valid := map[string]struct{}{}
	for rows.Next() {
		var fs string
		if err := rows.Scan(&fs); err != nil {
			rows.Close()
			return 0, core.Classify(err, core.OpRead, "__files", "")
		}
		valid[fs] = struct{}{}
	}
	rows.Close()
	for _, fs := range additionalValid {
		valid[fs] = struct{}{}
	}

	removedFilesets, err := m.repo.GCFilesets(ctx, valid)
	if err != nil {
		return 0, err
	}

	total := removedFilesets
	remaining, err := m.repo.Filesets(ctx)
	if err != nil {
		return total, err
	}
	for _, fs := range remaining {
		metas, err := m.List(ctx, fs)
		if err != nil {
			return total, err
		}
		validFiles := map[string]struct{}{}
		for _, mm := range metas {
			validFiles[mm.ID] = struct{}{}
		}
		removedFiles, err := m.repo.GCFiles(ctx, fs, validFiles)
		if err != nil {
			return total, err
		}
		total += removedFiles
	}

	return total, nil
}
