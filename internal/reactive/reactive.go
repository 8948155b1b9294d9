// Package reactive implements the query engine and reactive stream
// manager (component C13): parameterized point queries, plus
// dependency-tracked live streams that re-run and re-emit whenever a
// table or view they depend on changes (spec §4.9).
package reactive

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/schema"
)

// Query is a parameterized SELECT plus the dependency set a reactive
// stream built from it should watch. The engine does not parse SQL (spec
// §1 non-goals: no custom SQL parser) — Tables/Views are either declared
// explicitly by the caller (the simple case) or, for a view-backed query,
// expanded from the view's own Tables() when the stream is subscribed.
type Query struct {
	SQL    string
	Args   []interface{}
	Tables []string
	Views  []string
}

// dependencySet resolves q's Tables plus the underlying tables of every
// declared View into one flat set.
func (q Query) dependencySet(sch schema.Schema) map[string]struct{} {
	deps := map[string]struct{}{}
	for _, t := range q.Tables {
		deps[t] = struct{}{}
	}
	for _, viewName := range q.Views {
		if v, ok := sch.View(viewName); ok {
			for _, t := range v.Tables() {
				deps[t] = struct{}{}
			}
		}
	}
	return deps
}

// Run executes q as a single point query and returns its rows, in result
// order, as column-name-to-value maps (spec §4.9 point queries).
func Run(ctx context.Context, e *core.Engine, q Query) ([]map[string]interface{}, error) {
	rows, err := e.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, core.Classify(err, core.OpRead, "", "")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, core.Classify(err, core.OpRead, "", "")
	}

	var results []map[string]interface{}
	for rows.Next() {
		scanned := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, core.Classify(err, core.OpRead, "", "")
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = scanned[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Builder helpers for the common case of a plain table scan with optional
// where/orderBy/limit/offset (spec §4.9 point queries).
type Builder struct {
	Table   string
	Columns []string
	Where   string
	Args    []interface{}
	OrderBy string
	Limit   int
	Offset  int
}

func (b Builder) Build() Query {
	cols := "*"
	if len(b.Columns) > 0 {
		cols = strings.Join(b.Columns, ", ")
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(b.Table)
	if b.Where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(b.Where)
	}
	if b.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.OrderBy)
	}
	if b.Limit > 0 {
		sb.WriteString(" LIMIT ?")
	}
	if b.Offset > 0 {
		sb.WriteString(" OFFSET ?")
	}
	args := append([]interface{}{}, b.Args...)
	if b.Limit > 0 {
		args = append(args, b.Limit)
	}
	if b.Offset > 0 {
		args = append(args, b.Offset)
	}
	return Query{SQL: sb.String(), Args: args, Tables: []string{b.Table}}
}

// Emission is one value delivered to a Stream's subscriber: either a fresh
// result set or an error from re-running the query.
type Emission struct {
	Rows []map[string]interface{}
	Err  error
}

// Stream is a lazy, restartable live query: it re-runs and re-emits
// whenever a mutation touches a table or view in its dependency set (spec
// §4.9). Streams are single-threaded cooperative per spec §5: a mutation
// that triggers re-execution schedules the rerun rather than suspending
// the mutation, and re-runs for one stream are processed strictly in the
// order they were triggered.
type Stream struct {
	id       int64
	query    Query
	deps     map[string]struct{}
	engine   *core.Engine
	mgr      *Manager
	out      chan Emission
	triggers chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed int32
}

// Results returns the channel subscribers read result sets (and errors)
// from. The initial result set is already on the channel when Subscribe
// returns.
func (s *Stream) Results() <-chan Emission { return s.out }

// Cancel frees the stream's slot in the manager and aborts any in-flight
// re-execution for it (spec §4.9 cancellation).
func (s *Stream) Cancel() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.cancel()
	if s.mgr != nil {
		s.mgr.Unregister(s)
	}
}

func (s *Stream) isClosed() bool { return atomic.LoadInt32(&s.closed) == 1 }

func (s *Stream) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.triggers:
			rows, err := Run(s.ctx, s.engine, s.query)
			if s.ctx.Err() != nil {
				return
			}
			select {
			case s.out <- Emission{Rows: rows, Err: err}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// Manager is the per-Database stream registry (spec §4.9): it subscribes
// to the engine's commit notifications and re-runs every live stream
// whose dependency set intersects the affected tables.
type Manager struct {
	engine *core.Engine
	sch    schema.Schema

	mu      sync.Mutex
	streams map[int64]*Stream
	nextID  int64
}

// NewManager creates a stream manager bound to engine and registers it as
// an engine notification subscriber. sch resolves view dependencies for
// queries that declare Views rather than raw Tables.
func NewManager(engine *core.Engine, sch schema.Schema) *Manager {
	m := &Manager{engine: engine, sch: sch, streams: map[int64]*Stream{}}
	engine.OnNotify(m.onNotify)
	return m
}

// Subscribe runs q once synchronously (its initial emission), registers a
// live Stream watching q's dependency set, and returns it. The caller
// reads from Stream.Results() and must call Stream.Cancel() when done.
func (m *Manager) Subscribe(ctx context.Context, q Query) (*Stream, error) {
	rows, err := Run(ctx, m.engine, q)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		query:    q,
		deps:     q.dependencySet(m.sch),
		engine:   m.engine,
		mgr:      m,
		out:      make(chan Emission, 16),
		triggers: make(chan struct{}, 64),
		ctx:      streamCtx,
		cancel:   cancel,
	}
	s.out <- Emission{Rows: rows}

	m.mu.Lock()
	m.nextID++
	s.id = m.nextID
	m.streams[s.id] = s
	m.mu.Unlock()

	go s.loop()
	return s, nil
}

// onNotify is the engine notification callback (spec §4.9 change
// notification contract): it schedules a rerun for every stream whose
// dependency set intersects tables. The rerun itself happens on the
// stream's own goroutine; the send blocks the committing mutation only
// while a stream's 64-slot trigger buffer is full.
func (m *Manager) onNotify(tables []string) {
	affected := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		affected[t] = struct{}{}
	}

	m.mu.Lock()
	var matched []*Stream
	for _, s := range m.streams {
		if intersects(s.deps, affected) {
			matched = append(matched, s)
		}
	}
	m.mu.Unlock()

	for _, s := range matched {
		if s.isClosed() {
			continue
		}
		select {
		case s.triggers <- struct{}{}:
		case <-s.ctx.Done():
		}
	}
}

// Unregister drops a cancelled stream from the manager's registry.
func (m *Manager) Unregister(s *Stream) {
	m.mu.Lock()
	delete(m.streams, s.id)
	m.mu.Unlock()
}

func intersects(a, b map[string]struct{}) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}
