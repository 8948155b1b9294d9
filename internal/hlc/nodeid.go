package hlc

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/latticedb/lattice/internal/core"
)

// LoadOrCreateNodeID returns the installation's node id, persisted in
// __settings under key "node_id" the first time it's needed, and reused
// on every later open of the same database file (spec §4.5).
func LoadOrCreateNodeID(ctx context.Context, e *core.Engine) (string, error) {
	var id sql.NullString
	err := e.QueryRow(ctx, "SELECT value FROM __settings WHERE key = 'node_id'").Scan(&id)
	if err == nil && id.Valid && id.String != "" {
		return id.String, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", core.Classify(err, core.OpRead, "__settings", "")
	}

	newID := uuid.New().String()
	_, err = e.Exec(ctx, `
		INSERT INTO __settings (key, value) VALUES ('node_id', ?)
		ON CONFLICT(key) DO NOTHING
	`, newID)
	if err != nil {
		return "", core.Classify(err, core.OpCreate, "__settings", "")
	}

	// Someone else may have won the race; re-read to get the persisted value.
	err = e.QueryRow(ctx, "SELECT value FROM __settings WHERE key = 'node_id'").Scan(&id)
	if err != nil {
		return "", core.Classify(err, core.OpRead, "__settings", "")
	}
	return id.String, nil
}
