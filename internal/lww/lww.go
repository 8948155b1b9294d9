// Package lww implements last-writer-wins column updates (component C8):
// every write to an LWW column stamps a companion `<col>__hlc` timestamp,
// and conflicting writes are resolved by comparing those timestamps
// rather than by arrival order (spec §4.6).
package lww

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/hlc"
	"github.com/latticedb/lattice/internal/schema"
)

// Write is one column/value pair applied to a row.
type Write struct {
	Column string
	Value  interface{}
}

// Update applies writes to the row identified by rowID, stamping every
// LWW column's companion `<col>__hlc` with a fresh timestamp from clock.
// Non-LWW columns are written plainly. Returns the timestamp used so the
// caller can mark the row dirty in the outbox with the same value.
func Update(ctx context.Context, e *core.Engine, clock *hlc.Clock, t schema.Table, rowID string, writes []Write) (hlc.HLC, error) {
	pk, ok := t.PrimaryKey()
	if !ok || len(pk.Columns) != 1 {
		return hlc.HLC{}, &core.InvalidData{Reason: fmt.Sprintf("table %s has no single-column primary key for LWW update", t.Name)}
	}
	if len(writes) == 0 {
		return hlc.HLC{}, nil
	}

	now := clock.Now()
	stamp := now.String()

	var setClauses []string
	var args []interface{}
	for _, w := range writes {
		col, ok := t.Column(w.Column)
		if !ok {
			return hlc.HLC{}, &core.InvalidData{Reason: fmt.Sprintf("unknown column %s on table %s", w.Column, t.Name)}
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", quoteIdent(w.Column)))
		args = append(args, w.Value)
		if col.IsLWW {
			setClauses = append(setClauses, fmt.Sprintf("%s = ?", quoteIdent(w.Column+"__hlc")))
			args = append(args, stamp)
		}
	}
	args = append(args, rowID)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(t.Name), strings.Join(setClauses, ", "), quoteIdent(pk.Columns[0]),
	)

	if _, err := e.Exec(ctx, query, args...); err != nil {
		return hlc.HLC{}, core.Classify(err, core.OpUpdate, t.Name, "")
	}
	return now, nil
}

// UpdateIfNewer applies a single LWW column write only if incoming is
// strictly newer than the column's current companion timestamp (or the
// companion is unset). It returns whether the write was applied. The
// clock is updated with incoming regardless of outcome — observing a
// remote write still teaches the local clock about physical time it has
// seen (spec §4.5/§4.6).
func UpdateIfNewer(ctx context.Context, e *core.Engine, clock *hlc.Clock, t schema.Table, rowID, column string, value interface{}, incoming hlc.HLC) (bool, error) {
	col, ok := t.Column(column)
	if !ok {
		return false, &core.InvalidData{Reason: fmt.Sprintf("unknown column %s on table %s", column, t.Name)}
	}
	if !col.IsLWW {
		return false, &core.InvalidData{Reason: fmt.Sprintf("column %s on table %s is not LWW", column, t.Name)}
	}
	pk, ok := t.PrimaryKey()
	if !ok || len(pk.Columns) != 1 {
		return false, &core.InvalidData{Reason: fmt.Sprintf("table %s has no single-column primary key for LWW update", t.Name)}
	}

	clock.Update(incoming)

	hlcCol := column + "__hlc"
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?",
		quoteIdent(hlcCol), quoteIdent(t.Name), quoteIdent(pk.Columns[0]),
	)

	var currentStr string
	err := e.QueryRow(ctx, query, rowID).Scan(&currentStr)
	if err != nil {
		return false, core.Classify(err, core.OpRead, t.Name, hlcCol)
	}

	if currentStr != "" {
		current, perr := hlc.Parse(currentStr)
		if perr != nil {
			return false, &core.InvalidData{Reason: fmt.Sprintf("malformed hlc %q on %s.%s", currentStr, t.Name, hlcCol)}
		}
		if !hlc.Before(current, incoming) {
			return false, nil
		}
	}

	updateQuery := fmt.Sprintf(
		"UPDATE %s SET %s = ?, %s = ? WHERE %s = ?",
		quoteIdent(t.Name), quoteIdent(column), quoteIdent(hlcCol), quoteIdent(pk.Columns[0]),
	)
	if _, err := e.Exec(ctx, updateQuery, value, incoming.String(), rowID); err != nil {
		return false, core.Classify(err, core.OpUpdate, t.Name, column)
	}
	return true, nil
}

// Source is one candidate value for MergeMax, tagged with the HLC it was
// written at.
type Source struct {
	Value interface{}
	HLC   hlc.HLC
}

// MergeMax picks the value carrying the greatest HLC among sources — the
// building block for merging the same LWW column observed from several
// replicas at once (spec §4.6, multi-source merge). Ties break on the
// winning HLC's own node-id ordering, inherited from hlc.Compare.
func MergeMax(sources []Source) (Source, bool) {
	if len(sources) == 0 {
		return Source{}, false
	}
	winner := sources[0]
	for _, s := range sources[1:] {
		if hlc.Before(winner.HLC, s.HLC) {
			winner = s
		}
	}
	return winner, true
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
