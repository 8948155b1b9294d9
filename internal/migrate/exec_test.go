package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/schema"
)

// S1 — adding a NOT NULL column with a default backfills existing rows via
// a simple ALTER TABLE ADD COLUMN (no recreate needed).
func TestMigrate_AddColumnBackfillsDefaultOnExistingRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := core.Open(path)
	require.NoError(t, err)
	defer e.Close()

	v1, err := schema.NewBuilder().
		Table("users").
		Column(schema.Column{Name: "name", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		PrimaryKey("system_id").
		Done().
		Build()
	require.NoError(t, err)
	_, err = NewExecutor(e).Migrate(ctx, *v1)
	require.NoError(t, err)

	_, err = e.Exec(ctx, `INSERT INTO users (system_id, system_version, system_created_at, name) VALUES ('u1','v','c','Ada')`)
	require.NoError(t, err)

	v2, err := schema.NewBuilder().
		Table("users").
		Column(schema.Column{Name: "name", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		Column(schema.Column{Name: "age", LogicalType: schema.LogicalInteger, NotNull: true, Default: schema.ScalarDefault(int64(0))}).
		PrimaryKey("system_id").
		Done().
		Build()
	require.NoError(t, err)
	plan, err := NewExecutor(e).Migrate(ctx, *v2)
	require.NoError(t, err)

	var sawAddColumn bool
	for _, s := range plan.Steps {
		if s.Kind == StepAddColumn {
			sawAddColumn = true
		}
		require.NotEqual(t, StepRecreateTable, s.Kind)
	}
	require.True(t, sawAddColumn)

	var name string
	var age int64
	require.NoError(t, e.QueryRow(ctx, "SELECT name, age FROM users WHERE system_id = 'u1'").Scan(&name, &age))
	require.Equal(t, "Ada", name)
	require.Equal(t, int64(0), age)
}

// S2 — dropping a column forces the safe-recreate sequence, preserving
// every remaining column's data.
func TestMigrate_DropColumnRecreatesTablePreservingData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := core.Open(path)
	require.NoError(t, err)
	defer e.Close()

	v1, err := schema.NewBuilder().
		Table("users").
		Column(schema.Column{Name: "name", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		Column(schema.Column{Name: "legacy_flag", LogicalType: schema.LogicalInteger, NotNull: true, Default: schema.ScalarDefault(int64(0))}).
		PrimaryKey("system_id").
		Index("idx_users_name", "name").
		Done().
		Build()
	require.NoError(t, err)
	_, err = NewExecutor(e).Migrate(ctx, *v1)
	require.NoError(t, err)

	_, err = e.Exec(ctx, `INSERT INTO users (system_id, system_version, system_created_at, name, legacy_flag) VALUES ('u1','v','c','Ada',1)`)
	require.NoError(t, err)

	v2, err := schema.NewBuilder().
		Table("users").
		Column(schema.Column{Name: "name", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		PrimaryKey("system_id").
		Index("idx_users_name", "name").
		Done().
		Build()
	require.NoError(t, err)
	plan, err := NewExecutor(e).Migrate(ctx, *v2)
	require.NoError(t, err)

	var sawRecreate bool
	for _, s := range plan.Steps {
		if s.Kind == StepRecreateTable {
			sawRecreate = true
		}
	}
	require.True(t, sawRecreate)

	var name string
	require.NoError(t, e.QueryRow(ctx, "SELECT name FROM users WHERE system_id = 'u1'").Scan(&name))
	require.Equal(t, "Ada", name)

	var idxCount int
	require.NoError(t, e.QueryRow(ctx, "SELECT count(*) FROM sqlite_master WHERE type='index' AND name='idx_users_name'").Scan(&idxCount))
	require.Equal(t, 1, idxCount)
}

func TestMigrate_RecordsSchemaFingerprint(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := core.Open(path)
	require.NoError(t, err)
	defer e.Close()

	sch, err := schema.NewBuilder().Table("users").PrimaryKey("system_id").Done().Build()
	require.NoError(t, err)
	_, err = NewExecutor(e).Migrate(ctx, *sch)
	require.NoError(t, err)

	hash, err := LiveSchemaFingerprint(ctx, e)
	require.NoError(t, err)
	require.Equal(t, sch.Hash(), hash)
}

func TestEnsureSystemTables_CreatesDirtyRowsSettingsAndFiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := core.Open(path)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, EnsureSystemTables(ctx, e))
	require.NoError(t, EnsureSystemTables(ctx, e)) // idempotent

	_, err = e.Exec(ctx, `INSERT INTO __settings (key, value) VALUES ('x', 'y')`)
	require.NoError(t, err)
}
