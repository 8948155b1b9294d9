package lattice

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/lww"
	"github.com/latticedb/lattice/internal/outbox"
	"github.com/latticedb/lattice/internal/schema"
)

// Record is one loaded or newly inserted row: a schema_table handle, its
// current column values, and the set of columns changed since the last
// Save (spec §3 Record design note, §9).
type Record struct {
	db     *Database
	table  schema.Table
	values map[string]interface{}
	dirty  map[string]struct{}
}

// Table returns the record's table name.
func (r *Record) Table() string { return r.table.Name }

// Get returns column's current in-memory value.
func (r *Record) Get(column string) interface{} { return r.values[column] }

// Values returns a copy of every column's current in-memory value.
func (r *Record) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Set stages column = value for the next Save. It does not write to the
// database until Save is called.
func (r *Record) Set(column string, value interface{}) {
	r.values[column] = value
	r.dirty[column] = struct{}{}
}

func (r *Record) rowID() (string, error) {
	pk, ok := r.table.PrimaryKey()
	if !ok || len(pk.Columns) != 1 {
		return "", &core.InvalidData{Reason: fmt.Sprintf("table %s has no single-column primary key", r.table.Name)}
	}
	v, ok := r.values[pk.Columns[0]]
	if !ok {
		return "", &core.InvalidData{Reason: fmt.Sprintf("record missing primary key %s", pk.Columns[0])}
	}
	return fmt.Sprint(v), nil
}

// Save flushes every staged Set since the last Save: LWW columns go
// through lww.Update, stamping their companion __hlc column; plain
// columns are written directly and bump system_version to the new
// timestamp, since — unlike an LWW column — a plain column carries no
// per-field conflict resolution of its own and the whole row must be
// treated as changed (spec §4.6/§4.7). Both kinds mark the row dirty in
// the outbox and notify reactive streams watching the table. Save is a
// no-op if nothing was staged.
func (r *Record) Save(ctx context.Context) error {
	if len(r.dirty) == 0 {
		return nil
	}

	rowID, err := r.rowID()
	if err != nil {
		return err
	}

	var lwwWrites []lww.Write
	var plainCols []string
	for col := range r.dirty {
		c, ok := r.table.Column(col)
		if !ok {
			return &core.InvalidData{Reason: fmt.Sprintf("unknown column %s on table %s", col, r.table.Name)}
		}
		if c.IsLWW {
			lwwWrites = append(lwwWrites, lww.Write{Column: col, Value: r.values[col]})
		} else {
			plainCols = append(plainCols, col)
		}
	}

	var stamp string
	if len(lwwWrites) > 0 {
		h, err := lww.Update(ctx, r.db.engine, r.db.clock, r.table, rowID, lwwWrites)
		if err != nil {
			return err
		}
		stamp = h.String()
		if err := outbox.MarkDirty(ctx, r.db.engine, r.table.Name, rowID, stamp, false); err != nil {
			return err
		}
	}

	if len(plainCols) > 0 {
		now := r.db.clock.Now()
		stamp = now.String()

		setClauses := make([]string, 0, len(plainCols)+1)
		args := make([]interface{}, 0, len(plainCols)+2)
		for _, col := range plainCols {
			setClauses = append(setClauses, fmt.Sprintf("%s = ?", quoteIdent(col)))
			args = append(args, r.values[col])
		}
		setClauses = append(setClauses, quoteIdent("system_version")+" = ?")
		args = append(args, stamp)
		args = append(args, rowID)

		pk, _ := r.table.PrimaryKey()
		query := fmt.Sprintf(
			"UPDATE %s SET %s WHERE %s = ?",
			quoteIdent(r.table.Name), strings.Join(setClauses, ", "), quoteIdent(pk.Columns[0]),
		)
		if _, err := r.db.engine.Exec(ctx, query, args...); err != nil {
			return core.Classify(err, core.OpUpdate, r.table.Name, "")
		}
		r.values["system_version"] = stamp

		if err := outbox.MarkDirty(ctx, r.db.engine, r.table.Name, rowID, stamp, true); err != nil {
			return err
		}
	}

	r.db.notify([]string{r.table.Name})
	r.dirty = map[string]struct{}{}
	return nil
}

// Delete removes the record's row and marks it dirty for outbound sync.
func (r *Record) Delete(ctx context.Context) error {
	rowID, err := r.rowID()
	if err != nil {
		return err
	}
	return r.db.Delete(ctx, r.table.Name, rowID)
}
