// Package fileset implements the fileset repository abstraction and the
// fileset manager (components C11/C12): bounded collections of binary
// blobs attached to rows, with metadata in the database and content in a
// pluggable blob repository.
package fileset

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/latticedb/lattice/internal/core"
)

// Repository is the abstract blob store behind a fileset column (spec
// §4.8). It is backed by an afero.Fs so the same implementation serves
// both a real filesystem and an in-memory store — the two variants the
// spec calls out (a third, IndexedDB, has no meaningful Go analogue and
// is covered by the in-memory repository for embedded/test use).
type Repository struct {
	fs     afero.Fs
	root   string
	logger zerolog.Logger
}

// NewFilesystemRepository stores blobs under root on the real filesystem,
// nested as root/<fileset_id>/<file_id> (spec §6).
func NewFilesystemRepository(root string, logger zerolog.Logger) (*Repository, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fileset: create root %s: %w", root, err)
	}
	return &Repository{fs: fs, root: root, logger: logger}, nil
}

// NewMemoryRepository stores blobs in process memory — used for tests and
// for embedding lattice without a writable filesystem.
func NewMemoryRepository(logger zerolog.Logger) *Repository {
	return &Repository{fs: afero.NewMemMapFs(), root: "/filesets", logger: logger}
}

func (r *Repository) filesetDir(fileset string) string {
	return path.Join(r.root, fileset)
}

func (r *Repository) filePath(fileset, fileID string) string {
	return path.Join(r.root, fileset, fileID)
}

// AddFile durably stores content under (fileset, fileID), creating the
// fileset directory if needed. Idempotent: writing the same (fileset,
// fileID) twice overwrites rather than erroring, so a crash during
// add_file followed by a retry from the caller is safe (spec §5).
func (r *Repository) AddFile(ctx context.Context, fileset, fileID string, content io.Reader) error {
	dir := r.filesetDir(fileset)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return core.Classify(err, core.OpCreate, fileset, "")
	}
	if err := afero.WriteReader(r.fs, r.filePath(fileset, fileID), content); err != nil {
		return core.Classify(err, core.OpCreate, fileset, "")
	}
	return nil
}

// GetFile opens content previously stored under (fileset, fileID).
func (r *Repository) GetFile(ctx context.Context, fileset, fileID string) (io.ReadCloser, error) {
	f, err := r.fs.Open(r.filePath(fileset, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &core.EngineError{Category: core.CategoryNotFound, Op: core.OpRead, Table: "__files", Cause: err}
		}
		return nil, core.Classify(err, core.OpRead, fileset, "")
	}
	return f, nil
}

// RemoveFile deletes the content stored under (fileset, fileID), if any.
// Removing an already-absent file is not an error.
func (r *Repository) RemoveFile(ctx context.Context, fileset, fileID string) error {
	err := r.fs.Remove(r.filePath(fileset, fileID))
	if err != nil && !os.IsNotExist(err) {
		return core.Classify(err, core.OpDelete, fileset, "")
	}
	return nil
}

// GCFilesets removes every fileset directory not present in valid,
// returning the count of directories removed. Per-item I/O errors are
// logged and skipped; the returned count reflects only successes (spec
// §4.8 step 2, §7).
func (r *Repository) GCFilesets(ctx context.Context, valid map[string]struct{}) (int, error) {
	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, core.Classify(err, core.OpRead, "", "")
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := valid[entry.Name()]; ok {
			continue
		}
		if err := r.fs.RemoveAll(path.Join(r.root, entry.Name())); err != nil {
			r.logger.Warn().Err(err).Str("fileset", entry.Name()).Msg("fileset gc: failed to remove orphan fileset")
			continue
		}
		removed++
	}
	return removed, nil
}

// GCFiles removes files within fileset not present in valid, returning the
// count removed. Per-item I/O errors are logged and skipped.
func (r *Repository) GCFiles(ctx context.Context, fileset string, valid map[string]struct{}) (int, error) {
	dir := r.filesetDir(fileset)
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, core.Classify(err, core.OpRead, fileset, "")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := valid[entry.Name()]; ok {
			continue
		}
		if err := r.fs.Remove(path.Join(dir, entry.Name())); err != nil {
			r.logger.Warn().Err(err).Str("fileset", fileset).Str("file", entry.Name()).Msg("fileset gc: failed to remove orphan file")
			continue
		}
		removed++
	}
	return removed, nil
}

// Filesets lists every fileset directory currently present in the
// repository, sorted for deterministic GC ordering.
func (r *Repository) Filesets(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.Classify(err, core.OpRead, "", "")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// WatchRoot watches the repository's root directory for external writes
// (e.g. a blob synced in by another process) and invokes callback. Only
// meaningful for a filesystem-backed repository; a no-op watcher is still
// returned for the in-memory repository so callers don't need to branch.
func (r *Repository) WatchRoot(ctx context.Context, callback func()) (func() error, error) {
	if _, ok := r.fs.(*afero.MemMapFs); ok {
		return func() error { return nil }, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(r.root); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					callback()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Close, nil
}
