// Package syncmerge implements inbound merge (component C10): applying a
// batch of remote row changes to the local database under per-field LWW
// conflict resolution (spec §4.7 inbound merge workflow).
package syncmerge

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/hlc"
	"github.com/latticedb/lattice/internal/lww"
	"github.com/latticedb/lattice/internal/schema"
)

// RemoteRow is one row of a remote change batch as handed to
// ApplyServerChanges by the application's on_fetch callback.
type RemoteRow struct {
	Table string
	// Values holds every column value the remote sent, keyed by column
	// name, including the primary key and any LWW columns.
	Values map[string]interface{}
	// ColumnHLC carries the per-column timestamp for every LWW column
	// present in Values. An LWW column absent here is stamped with RowHLC
	// when the row is new locally, and is not applied when the row already
	// exists.
	ColumnHLC map[string]string
	// RowHLC is the timestamp of the remote write as a whole; it governs
	// non-LWW column application and the table's server watermark.
	RowHLC string
}

// watermarkKey is the __settings key holding the max server HLC observed
// for a table, used to decide whether a local row has been modified since
// the last successful merge for that table (spec §4.7 step 3).
func watermarkKey(table string) string { return "watermark:" + table }

// GetWatermark returns the last-applied server HLC for table, or the zero
// HLC if none has been recorded yet.
func GetWatermark(ctx context.Context, e *core.Engine, table string) (hlc.HLC, error) {
	var s string
	err := e.QueryRow(ctx, "SELECT value FROM __settings WHERE key = ?", watermarkKey(table)).Scan(&s)
	if err != nil {
		if core.IsCategory(core.Classify(err, core.OpRead, "__settings", ""), core.CategoryNotFound) {
			return hlc.HLC{}, nil
		}
		return hlc.HLC{}, core.Classify(err, core.OpRead, "__settings", "")
	}
	if s == "" {
		return hlc.HLC{}, nil
	}
	return hlc.Parse(s)
}

// SetWatermark persists the max server HLC observed for table.
func SetWatermark(ctx context.Context, e *core.Engine, table string, h hlc.HLC) error {
	_, err := e.Exec(ctx, `
		INSERT INTO __settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, watermarkKey(table), h.String())
	if err != nil {
		return core.Classify(err, core.OpUpdate, "__settings", "")
	}
	return nil
}

// ApplyServerChanges applies a batch of remote rows under LWW semantics
// (spec §4.7, §7). A single malformed row (unknown table, missing
// primary key, unparseable HLC) raises InvalidData and aborts the whole
// batch; a per-row LWW conflict never does — update_lww_if_newer simply
// returns false and the engine moves on to the next row.
func ApplyServerChanges(ctx context.Context, e *core.Engine, clock *hlc.Clock, sch schema.Schema, rows []RemoteRow) error {
	maxByTable := map[string]hlc.HLC{}

	for _, rr := range rows {
		t, ok := sch.Table(rr.Table)
		if !ok {
			return &core.InvalidData{Reason: fmt.Sprintf("unknown table %q in remote payload", rr.Table)}
		}
		pk, ok := t.PrimaryKey()
		if !ok || len(pk.Columns) != 1 {
			return &core.InvalidData{Reason: fmt.Sprintf("table %s has no single-column primary key for merge", rr.Table)}
		}
		pkCol := pk.Columns[0]

		rawID, ok := rr.Values[pkCol]
		if !ok {
			return &core.InvalidData{Reason: fmt.Sprintf("remote row for %s missing primary key %s", rr.Table, pkCol)}
		}
		rowID := fmt.Sprint(rawID)

		rowHLC, err := hlc.Parse(rr.RowHLC)
		if err != nil {
			return &core.InvalidData{Reason: fmt.Sprintf("malformed row hlc for %s/%s: %v", rr.Table, rowID, err)}
		}
		clock.Update(rowHLC)

		exists, err := rowExists(ctx, e, t, pkCol, rowID)
		if err != nil {
			return err
		}

		if !exists {
			if err := insertRemoteRow(ctx, e, t, rr); err != nil {
				return err
			}
		} else {
			if err := mergeExistingRow(ctx, e, clock, t, rowID, rr); err != nil {
				return err
			}
		}

		if cur, ok := maxByTable[rr.Table]; !ok || hlc.Before(cur, rowHLC) {
			maxByTable[rr.Table] = rowHLC
		}
	}

	for table, h := range maxByTable {
		if err := SetWatermark(ctx, e, table, h); err != nil {
			return err
		}
	}
	return nil
}

func rowExists(ctx context.Context, e *core.Engine, t schema.Table, pkCol, rowID string) (bool, error) {
	var dummy int
	err := e.QueryRow(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", quoteIdent(t.Name), quoteIdent(pkCol)), rowID).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if core.IsCategory(core.Classify(err, core.OpRead, t.Name, ""), core.CategoryNotFound) {
		return false, nil
	}
	return false, core.Classify(err, core.OpRead, t.Name, "")
}

// insertRemoteRow inserts a row that doesn't exist locally yet (spec §4.7
// step 2: non-LWW columns on rows whose system_id is new are inserted
// directly). LWW columns get their companion __hlc stamped from the
// remote's per-column timestamps; columns the remote didn't send fall
// back to the table's declared default.
func insertRemoteRow(ctx context.Context, e *core.Engine, t schema.Table, rr RemoteRow) error {
	var cols []string
	var placeholders []string
	var args []interface{}

	for _, c := range t.Columns {
		if strings.HasSuffix(c.Name, "__hlc") {
			continue // filled in alongside its owning LWW column below
		}
		cols = append(cols, quoteIdent(c.Name))
		placeholders = append(placeholders, "?")
		if v, ok := rr.Values[c.Name]; ok {
			args = append(args, v)
		} else {
			args = append(args, c.Default.Resolve())
		}

		if c.IsLWW {
			cols = append(cols, quoteIdent(c.Name+"__hlc"))
			placeholders = append(placeholders, "?")
			if h, ok := rr.ColumnHLC[c.Name]; ok {
				args = append(args, h)
			} else {
				args = append(args, rr.RowHLC)
			}
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	if _, err := e.Exec(ctx, query, args...); err != nil {
		return core.Classify(err, core.OpCreate, t.Name, "")
	}
	return nil
}

// mergeExistingRow applies LWW columns via update_lww_if_newer and, for
// non-LWW columns, only if the row hasn't been modified locally since the
// table's last server watermark (spec §4.7 steps 1 and 3).
func mergeExistingRow(ctx context.Context, e *core.Engine, clock *hlc.Clock, t schema.Table, rowID string, rr RemoteRow) error {
	for colName, hlcStr := range rr.ColumnHLC {
		c, ok := t.Column(colName)
		if !ok || !c.IsLWW {
			continue
		}
		incoming, err := hlc.Parse(hlcStr)
		if err != nil {
			return &core.InvalidData{Reason: fmt.Sprintf("malformed column hlc for %s.%s: %v", t.Name, colName, err)}
		}
		if _, err := lww.UpdateIfNewer(ctx, e, clock, t, rowID, colName, rr.Values[colName], incoming); err != nil {
			return err
		}
	}

	watermark, err := GetWatermark(ctx, e, t.Name)
	if err != nil {
		return err
	}
	dirty, err := hasLocalDirtySince(ctx, e, t.Name, rowID, watermark)
	if err != nil {
		return err
	}
	if dirty {
		return nil
	}

	var setClauses []string
	var args []interface{}
	for _, c := range t.Columns {
		if c.IsLWW || strings.HasSuffix(c.Name, "__hlc") {
			continue
		}
		v, ok := rr.Values[c.Name]
		if !ok {
			continue
		}
		pk, _ := t.PrimaryKey()
		if len(pk.Columns) == 1 && pk.Columns[0] == c.Name {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", quoteIdent(c.Name)))
		args = append(args, v)
	}
	if len(setClauses) == 0 {
		return nil
	}

	pk, _ := t.PrimaryKey()
	args = append(args, rowID)
	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(t.Name), strings.Join(setClauses, ", "), quoteIdent(pk.Columns[0]),
	)
	if _, err := e.Exec(ctx, query, args...); err != nil {
		return core.Classify(err, core.OpUpdate, t.Name, "")
	}
	return nil
}

// hasLocalDirtySince reports whether table/rowID has an outstanding
// __dirty_rows entry recorded strictly after watermark — i.e. a local
// change happened after the last server sync point for this table, so an
// incoming non-LWW field must not clobber it.
func hasLocalDirtySince(ctx context.Context, e *core.Engine, table, rowID string, watermark hlc.HLC) (bool, error) {
	var h string
	err := e.QueryRow(ctx,
		"SELECT hlc FROM __dirty_rows WHERE table_name = ? AND row_id = ?",
		table, rowID,
	).Scan(&h)
	if err != nil {
		if core.IsCategory(core.Classify(err, core.OpRead, "__dirty_rows", ""), core.CategoryNotFound) {
			return false, nil
		}
		return false, core.Classify(err, core.OpRead, "__dirty_rows", "")
	}
	parsed, perr := hlc.Parse(h)
	if perr != nil {
		return false, nil
	}
	return hlc.Before(watermark, parsed), nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
