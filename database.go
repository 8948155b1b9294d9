// Package lattice is a local-first embedded data engine: a declarative
// schema reconciled against an SQLite-compatible database, hybrid logical
// clocks and last-writer-wins columns for conflict resolution, a
// dirty-row outbox for outbound sync, a fileset abstraction for attached
// blobs, and a dependency-tracked reactive query engine.
package lattice

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/fileset"
	"github.com/latticedb/lattice/internal/hlc"
	"github.com/latticedb/lattice/internal/migrate"
	"github.com/latticedb/lattice/internal/outbox"
	"github.com/latticedb/lattice/internal/reactive"
	"github.com/latticedb/lattice/internal/schema"
	"github.com/latticedb/lattice/internal/syncmerge"
)

// Database is the public facade (spec §2/§9): it wires the schema,
// migration, HLC clock, LWW, outbox, inbound merge, fileset and reactive
// components together behind one handle.
type Database struct {
	engine  *core.Engine
	schema  schema.Schema
	clock   *hlc.Clock
	files   *fileset.Manager
	streams *reactive.Manager
	nodeID  string

	// collector is non-nil only on the per-transaction Database handle
	// passed into a Transaction callback; it defers Notify until the
	// outer transaction commits (spec §5).
	collector *txCollector
}

type txCollector struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

func newTxCollector() *txCollector {
	return &txCollector{tables: map[string]struct{}{}}
}

func (c *txCollector) add(tables []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tables {
		c.tables[t] = struct{}{}
	}
}

func (c *txCollector) union() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Open opens (creating if necessary) the database at path, migrates it to
// match declared, and returns a ready-to-use Database. Every invariant and
// edge case of migration (spec §4.4) applies here: a failed migration
// rolls back every change the migration itself made. The system tables
// and the node id are committed before the migration runs and remain.
func Open(ctx context.Context, path string, declared schema.Schema, opts ...Option) (*Database, error) {
	o := buildOptions(opts...)

	logger := o.logger
	if !o.hasLogger {
		logger = core.NewLogger(o.logPath, o.debug)
	}

	engineOpts := []core.Option{core.WithLogger(logger), core.WithBusyTimeoutMillis(o.busyTimeout)}
	if o.hasRetry {
		engineOpts = append(engineOpts, core.WithRetryPolicy(o.retry))
	}

	engine, err := core.Open(path, engineOpts...)
	if err != nil {
		return nil, err
	}

	if err := migrate.EnsureSystemTables(ctx, engine); err != nil {
		_ = engine.Close()
		return nil, err
	}

	nodeID := o.nodeID
	if nodeID == "" {
		nodeID, err = hlc.LoadOrCreateNodeID(ctx, engine)
		if err != nil {
			_ = engine.Close()
			return nil, err
		}
	}
	clock := hlc.NewClock(nodeID)

	executor := migrate.NewExecutor(engine)
	if _, err := executor.Migrate(ctx, declared); err != nil {
		_ = engine.Close()
		return nil, err
	}

	fileMgr := fileset.NewManager(engine, clock, o.fileRepo)
	streamMgr := reactive.NewManager(engine, declared)

	return &Database{
		engine:  engine,
		schema:  declared,
		clock:   clock,
		files:   fileMgr,
		streams: streamMgr,
		nodeID:  nodeID,
	}, nil
}

// Close releases the underlying database handle.
func (db *Database) Close() error { return db.engine.Close() }

// Schema returns the declarative schema the database was opened with.
func (db *Database) Schema() schema.Schema { return db.schema }

// NodeID returns this installation's HLC node identifier.
func (db *Database) NodeID() string { return db.nodeID }

// Files returns the fileset manager bound to this database (component
// C12).
func (db *Database) Files() *fileset.Manager { return db.files }

// WatchFilesetRoot watches the fileset repository's root for blobs added
// outside this Database handle and invokes callback so the caller can
// reconcile `__files` against the repository (spec §4.8). The returned
// func stops the watch; callers should invoke it when done, e.g. via
// defer around Close.
func (db *Database) WatchFilesetRoot(ctx context.Context, callback func()) (func() error, error) {
	return db.files.WatchRoot(ctx, callback)
}

// PlanMigration previews the steps Migrate would apply, without applying
// them (spec §4.4).
func (db *Database) PlanMigration(ctx context.Context) (migrate.Plan, error) {
	return migrate.NewExecutor(db.engine).PlanMigration(ctx, db.schema)
}

func (db *Database) notify(tables []string) {
	if len(tables) == 0 {
		return
	}
	if db.collector != nil {
		db.collector.add(tables)
		return
	}
	db.engine.Notify(tables)
}

// Transaction runs fn against a Database bound to a single SQL
// transaction: every mutation fn performs through it commits together,
// and reactive notifications are emitted exactly once, after commit, with
// the union of every table fn touched (spec §5). A nested Transaction
// call (fn calling tdb.Transaction again) simply reuses the same batch.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context, tdb *Database) error) error {
	if db.collector != nil {
		return fn(ctx, db)
	}

	collector := newTxCollector()
	err := db.engine.Transaction(ctx, func(tx *sql.Tx) error {
		txDB := &Database{
			engine:    db.engine.Bound(tx),
			schema:    db.schema,
			clock:     db.clock,
			streams:   db.streams,
			nodeID:    db.nodeID,
			collector: collector,
		}
		txDB.files = db.files.WithEngine(txDB.engine)
		return fn(ctx, txDB)
	})
	if err != nil {
		return err
	}
	db.notify(collector.union())
	return nil
}

// Insert creates a new row in table, filling system_id/system_version/
// system_created_at and every LWW companion column, then marks the row
// dirty in the outbox as a full-row change (spec §4.7 step 1) and
// notifies reactive streams watching table.
func (db *Database) Insert(ctx context.Context, tableName string, values map[string]interface{}) (*Record, error) {
	t, ok := db.schema.Table(tableName)
	if !ok {
		return nil, &core.InvalidData{Reason: fmt.Sprintf("unknown table %q", tableName)}
	}

	now := db.clock.Now()
	stamp := now.String()
	full := map[string]interface{}{
		"system_id":         uuid.New().String(),
		"system_version":    stamp,
		"system_created_at": stamp,
	}

	for _, c := range t.Columns {
		switch c.Name {
		case "system_id", "system_version", "system_created_at":
			continue
		}
		if strings.HasSuffix(c.Name, "__hlc") {
			owner := strings.TrimSuffix(c.Name, "__hlc")
			if _, provided := values[owner]; provided {
				full[c.Name] = stamp
			} else {
				full[c.Name] = c.Default.Resolve()
			}
			continue
		}
		if v, provided := values[c.Name]; provided {
			full[c.Name] = v
		} else {
			full[c.Name] = c.Default.Resolve()
		}
	}

	cols := make([]string, 0, len(t.Columns))
	placeholders := make([]string, 0, len(t.Columns))
	args := make([]interface{}, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, quoteIdent(c.Name))
		placeholders = append(placeholders, "?")
		args = append(args, full[c.Name])
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	if _, err := db.engine.Exec(ctx, query, args...); err != nil {
		return nil, core.Classify(err, core.OpCreate, t.Name, "")
	}

	if err := outbox.MarkDirty(ctx, db.engine, t.Name, full["system_id"].(string), stamp, true); err != nil {
		return nil, err
	}
	db.notify([]string{t.Name})

	return &Record{db: db, table: t, values: full, dirty: map[string]struct{}{}}, nil
}

// Get loads a single row by its system_id primary key into a Record ready
// for field mutation via Record.Save.
func (db *Database) Get(ctx context.Context, tableName, rowID string) (*Record, error) {
	t, ok := db.schema.Table(tableName)
	if !ok {
		return nil, &core.InvalidData{Reason: fmt.Sprintf("unknown table %q", tableName)}
	}
	pk, ok := t.PrimaryKey()
	if !ok || len(pk.Columns) != 1 {
		return nil, &core.InvalidData{Reason: fmt.Sprintf("table %s has no single-column primary key", t.Name)}
	}

	cols := t.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(quoted, ", "), quoteIdent(t.Name), quoteIdent(pk.Columns[0]))

	scanned := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range scanned {
		ptrs[i] = &scanned[i]
	}
	if err := db.engine.QueryRow(ctx, query, rowID).Scan(ptrs...); err != nil {
		return nil, core.Classify(err, core.OpRead, t.Name, "")
	}

	values := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		values[c] = scanned[i]
	}
	return &Record{db: db, table: t, values: values, dirty: map[string]struct{}{}}, nil
}

// Delete removes a row and marks it dirty in the outbox as a full-row
// change so the deletion can be propagated outbound (spec §4.7).
func (db *Database) Delete(ctx context.Context, tableName, rowID string) error {
	t, ok := db.schema.Table(tableName)
	if !ok {
		return &core.InvalidData{Reason: fmt.Sprintf("unknown table %q", tableName)}
	}
	pk, ok := t.PrimaryKey()
	if !ok || len(pk.Columns) != 1 {
		return &core.InvalidData{Reason: fmt.Sprintf("table %s has no single-column primary key", t.Name)}
	}

	if _, err := db.engine.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(t.Name), quoteIdent(pk.Columns[0])), rowID); err != nil {
		return core.Classify(err, core.OpDelete, t.Name, "")
	}

	stamp := db.clock.Now().String()
	if err := outbox.MarkDirty(ctx, db.engine, t.Name, rowID, stamp, true); err != nil {
		return err
	}
	db.notify([]string{t.Name})
	return nil
}

// Query runs a point query (spec §4.9).
func (db *Database) Query(ctx context.Context, q reactive.Query) ([]map[string]interface{}, error) {
	return reactive.Run(ctx, db.engine, q)
}

// Subscribe opens a live, dependency-tracked stream for q (spec §4.9).
// The caller must call Stream.Cancel when done.
func (db *Database) Subscribe(ctx context.Context, q reactive.Query) (*reactive.Stream, error) {
	return db.streams.Subscribe(ctx, q)
}

// DirtyRows returns every pending outbound change (spec §4.7).
func (db *Database) DirtyRows(ctx context.Context) ([]outbox.Entry, error) {
	return outbox.GetAllDirty(ctx, db.engine)
}

// ApplyServerChanges merges a batch of remote rows under LWW semantics
// (spec §4.7 inbound merge) and notifies reactive streams for every table
// touched.
func (db *Database) ApplyServerChanges(ctx context.Context, rows []syncmerge.RemoteRow) error {
	if err := syncmerge.ApplyServerChanges(ctx, db.engine, db.clock, db.schema, rows); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	var tables []string
	for _, rr := range rows {
		if _, ok := seen[rr.Table]; !ok {
			seen[rr.Table] = struct{}{}
			tables = append(tables, rr.Table)
		}
	}
	db.notify(tables)
	return nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
