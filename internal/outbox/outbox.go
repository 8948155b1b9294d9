// Package outbox implements the dirty-row outbox (component C9): the
// durable record of which rows have local changes pending outbound sync.
package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/core"
)

// Entry is one `__dirty_rows` record.
type Entry struct {
	Table   string
	RowID   string
	HLC     string
	FullRow bool
}

// MarkDirty records that table/rowID has a pending local change as of
// hlc, upserting on the (table, row_id) primary key — a newer write
// simply replaces the previously recorded watermark (spec §4.7).
func MarkDirty(ctx context.Context, e *core.Engine, table, rowID, h string, fullRow bool) error {
	_, err := e.Exec(ctx, `
		INSERT INTO __dirty_rows (table_name, row_id, hlc, is_full_row)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET
			hlc = excluded.hlc,
			is_full_row = excluded.is_full_row
	`, table, rowID, h, boolToInt(fullRow))
	if err != nil {
		return core.Classify(err, core.OpUpdate, "__dirty_rows", "")
	}
	return nil
}

// GetAllDirty returns every pending entry across all tables, ordered by
// hlc ascending.
func GetAllDirty(ctx context.Context, e *core.Engine) ([]Entry, error) {
	return queryEntries(ctx, e, "SELECT table_name, row_id, hlc, is_full_row FROM __dirty_rows ORDER BY hlc ASC")
}

// GetDirtyForTable returns pending entries for a single table, ordered by
// hlc ascending.
func GetDirtyForTable(ctx context.Context, e *core.Engine, table string) ([]Entry, error) {
	return queryEntries(ctx, e,
		"SELECT table_name, row_id, hlc, is_full_row FROM __dirty_rows WHERE table_name = ? ORDER BY hlc ASC",
		table,
	)
}

func queryEntries(ctx context.Context, e *core.Engine, query string, args ...interface{}) ([]Entry, error) {
	rows, err := e.Query(ctx, query, args...)
	if err != nil {
		return nil, core.Classify(err, core.OpRead, "__dirty_rows", "")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e2 Entry
		var fullRow int
		if err := rows.Scan(&e2.Table, &e2.RowID, &e2.HLC, &fullRow); err != nil {
			return nil, core.Classify(err, core.OpRead, "__dirty_rows", "")
		}
		e2.FullRow = fullRow != 0
		entries = append(entries, e2)
	}
	return entries, rows.Err()
}

// Remove deletes exactly the rows matching (table, row_id, hlc,
// is_full_row) for each entry — lock-free by construction (spec §4.7,
// property 6): if the row was modified again since entries was read, the
// newer dirty record carries a different hlc and survives untouched.
func Remove(ctx context.Context, e *core.Engine, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	placeholders := make([]string, len(entries))
	args := make([]interface{}, 0, len(entries)*4)
	for i, en := range entries {
		placeholders[i] = "(?, ?, ?, ?)"
		args = append(args, en.Table, en.RowID, en.HLC, boolToInt(en.FullRow))
	}

	query := fmt.Sprintf(
		"DELETE FROM __dirty_rows WHERE (table_name, row_id, hlc, is_full_row) IN (VALUES %s)",
		strings.Join(placeholders, ", "),
	)

	_, err := e.Exec(ctx, query, args...)
	if err != nil {
		return core.Classify(err, core.OpDelete, "__dirty_rows", "")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
