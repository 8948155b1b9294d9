package reactive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/migrate"
	"github.com/latticedb/lattice/internal/schema"
)

func openTestEngine(t *testing.T, sch schema.Schema) *core.Engine {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := core.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	x := migrate.NewExecutor(e)
	_, err = x.Migrate(ctx, sch)
	require.NoError(t, err)
	return e
}

func usersLogsSchema(t *testing.T) schema.Schema {
	t.Helper()
	sch, err := schema.NewBuilder().
		Table("users").
		Column(schema.Column{Name: "name", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		PrimaryKey("system_id").
		Done().
		Table("logs").
		Column(schema.Column{Name: "message", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		PrimaryKey("system_id").
		Done().
		Build()
	require.NoError(t, err)
	return *sch
}

func recvWithTimeout(t *testing.T, s *Stream) Emission {
	t.Helper()
	select {
	case em := <-s.Results():
		return em
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream emission")
		return Emission{}
	}
}

func names(rows []map[string]interface{}) []string {
	var out []string
	for _, r := range rows {
		out = append(out, r["name"].(string))
	}
	return out
}

// S5 — reactive update.
func TestStream_ReRunsOnlyForDependentTable(t *testing.T) {
	ctx := context.Background()
	sch := usersLogsSchema(t)
	e := openTestEngine(t, sch)

	_, err := e.Exec(ctx, `INSERT INTO users (system_id, system_version, system_created_at, name) VALUES ('u1','v1','c1','Alice')`)
	require.NoError(t, err)

	mgr := NewManager(e, sch)
	q := Query{SQL: "SELECT name FROM users ORDER BY system_id", Tables: []string{"users"}}
	stream, err := mgr.Subscribe(ctx, q)
	require.NoError(t, err)
	defer stream.Cancel()

	initial := recvWithTimeout(t, stream)
	require.NoError(t, initial.Err)
	require.Equal(t, []string{"Alice"}, names(initial.Rows))

	_, err = e.Exec(ctx, `INSERT INTO users (system_id, system_version, system_created_at, name) VALUES ('u2','v1','c1','Bob')`)
	require.NoError(t, err)
	e.Notify([]string{"users"})

	second := recvWithTimeout(t, stream)
	require.NoError(t, second.Err)
	require.Equal(t, []string{"Alice", "Bob"}, names(second.Rows))

	// Dependency isolation (property 8): a mutation on an unrelated table
	// must not produce a further emission.
	_, err = e.Exec(ctx, `INSERT INTO logs (system_id, system_version, system_created_at, message) VALUES ('l1','v1','c1','hello')`)
	require.NoError(t, err)
	e.Notify([]string{"logs"})

	select {
	case em := <-stream.Results():
		t.Fatalf("unexpected emission after unrelated mutation: %+v", em)
	case <-time.After(200 * time.Millisecond):
		// expected: no emission
	}
}

func TestStream_CancelStopsFurtherEmissions(t *testing.T) {
	ctx := context.Background()
	sch := usersLogsSchema(t)
	e := openTestEngine(t, sch)

	mgr := NewManager(e, sch)
	q := Query{SQL: "SELECT name FROM users ORDER BY system_id", Tables: []string{"users"}}
	stream, err := mgr.Subscribe(ctx, q)
	require.NoError(t, err)

	_ = recvWithTimeout(t, stream) // initial emission

	stream.Cancel()

	mgr.mu.Lock()
	_, stillRegistered := mgr.streams[stream.id]
	mgr.mu.Unlock()
	require.False(t, stillRegistered)
}

func TestBuilder_BuildsParameterizedSelect(t *testing.T) {
	b := Builder{Table: "users", Where: "name = ?", Args: []interface{}{"Alice"}, OrderBy: "system_id", Limit: 10}
	q := b.Build()
	require.Equal(t, "SELECT * FROM users WHERE name = ? ORDER BY system_id LIMIT ?", q.SQL)
	require.Equal(t, []interface{}{"Alice", 10}, q.Args)
	require.Equal(t, []string{"users"}, q.Tables)
}
