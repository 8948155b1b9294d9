package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Engine is the SQL engine adapter (component C1): it opens the database,
// executes DDL/DML, runs transactions, and retries transient lock errors.
// Everything above it — schema, migration, LWW, outbox, filesets, reactive
// streams — goes through Engine rather than touching *sql.DB directly.
type Engine struct {
	db     *sql.DB
	tx     *sql.Tx // set only on a value returned by Bound
	path   string
	logger zerolog.Logger
	retry  RetryPolicy

	mu        sync.RWMutex
	notifiers []func(tables []string)

	ctx    context.Context
	cancel context.CancelFunc
}

// Bound returns an *Engine that routes Exec/Query/QueryRow through tx
// instead of the pooled connection, sharing the logger and retry policy
// with e. Subscribers registered on e via OnNotify are not carried over,
// so Notify on the bound engine reaches no one; callers notify on e after
// the transaction commits. lattice.Database.Transaction uses this
// to run a caller's batch of mutations inside one SQL transaction while
// still letting every package in this module (lww, outbox, fileset,
// syncmerge) take the same *core.Engine type they always do.
func (e *Engine) Bound(tx *sql.Tx) *Engine {
	return &Engine{db: e.db, tx: tx, path: e.path, logger: e.logger, retry: e.retry, ctx: e.ctx, cancel: e.cancel}
}

// Option configures Engine construction.
type Option func(*engineConfig)

type engineConfig struct {
	logger      zerolog.Logger
	retry       RetryPolicy
	busyTimeout int
}

// WithLogger overrides the engine's structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithRetryPolicy overrides the DatabaseLocked retry budget.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *engineConfig) { c.retry = p }
}

// WithBusyTimeoutMillis sets SQLite's own busy_timeout pragma, independent
// of the application-level retry policy layered on top of it.
func WithBusyTimeoutMillis(ms int) Option {
	return func(c *engineConfig) { c.busyTimeout = ms }
}

// Open opens (creating if necessary) the SQLite-compatible database at
// path in WAL mode with foreign keys enabled, ready for schema migration.
func Open(path string, opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		logger:      NewLogger("", false),
		retry:       DefaultRetryPolicy(),
		busyTimeout: 5000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		path, cfg.busyTimeout,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Classify(err, OpConnection, "", "")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, Classify(err, OpConnection, "", "")
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		db:     db,
		path:   path,
		logger: cfg.logger,
		retry:  cfg.retry,
		ctx:    ctx,
		cancel: cancel,
	}

	return e, nil
}

// DB returns the underlying *sql.DB for callers that need raw access
// (e.g. table-driven tests seeding rows directly).
func (e *Engine) DB() *sql.DB { return e.db }

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

// Logger returns the engine's structured logger.
func (e *Engine) Logger() zerolog.Logger { return e.logger }

// Close checkpoints the WAL and closes the connection.
func (e *Engine) Close() error {
	e.cancel()
	_, _ = e.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return e.db.Close()
}

// Exec runs a statement, retrying on DatabaseLocked per the configured
// retry policy. On a Bound engine it runs inside the bound transaction
// instead, and retry is skipped — the whole transaction retries one level
// up, in Engine.Transaction.
func (e *Engine) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if e.tx != nil {
		return e.tx.ExecContext(ctx, query, args...)
	}
	var result sql.Result
	err := withRetry(ctx, e.retry, OpUpdate, "", func() error {
		var innerErr error
		result, innerErr = e.db.ExecContext(ctx, query, args...)
		return innerErr
	})
	return result, err
}

// Query runs a query, retrying on DatabaseLocked. On a Bound engine it
// runs inside the bound transaction instead.
func (e *Engine) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if e.tx != nil {
		return e.tx.QueryContext(ctx, query, args...)
	}
	var rows *sql.Rows
	err := withRetry(ctx, e.retry, OpRead, "", func() error {
		var innerErr error
		rows, innerErr = e.db.QueryContext(ctx, query, args...)
		return innerErr
	})
	return rows, err
}

// QueryRow runs a single-row query. Retry is not applied here since the
// caller inspects sql.ErrNoRows itself via Scan.
func (e *Engine) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if e.tx != nil {
		return e.tx.QueryRowContext(ctx, query, args...)
	}
	return e.db.QueryRowContext(ctx, query, args...)
}

// Transaction runs fn inside a single SQL transaction, retrying the whole
// transaction on DatabaseLocked. fn returning an error rolls back.
func (e *Engine) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, e.retry, OpTransaction, "", func() error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// OnNotify registers a callback invoked after every committed mutation
// with the set of table names it affected. The reactive stream manager
// (C13) is the primary consumer; multiple subscribers are supported since
// the engine has no own opinion about reactivity.
func (e *Engine) OnNotify(fn func(tables []string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, fn)
}

// Notify fans out a change notification to every registered subscriber.
// Called once per committed mutation (or once per transaction(fn) batch)
// with the union of affected tables.
func (e *Engine) Notify(tables []string) {
	if len(tables) == 0 {
		return
	}
	e.mu.RLock()
	subs := make([]func([]string), len(e.notifiers))
	copy(subs, e.notifiers)
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(tables)
	}
}
