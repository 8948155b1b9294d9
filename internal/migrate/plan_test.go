package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/schema"
)

func TestBuild_OrdersDropsBeforeAltersBeforeCreates(t *testing.T) {
	newTable, err := schema.NewBuilder().
		Table("accounts").
		PrimaryKey("system_id").
		Done().
		Build()
	require.NoError(t, err)

	d := Diff{
		DropTables:   []string{"legacy"},
		CreateTables: []schema.Table{newTable.Tables[0]},
		AlterTables: []TableChange{
			{Table: schema.Table{Name: "users"}, ColumnOps: []ColumnOp{{Kind: ColAdd, Name: "age", New: schema.Column{Name: "age", PhysicalType: schema.PhysicalInteger}}}},
		},
	}

	p := Build(d)
	require.False(t, p.Empty())

	var kinds []StepKind
	for _, s := range p.Steps {
		kinds = append(kinds, s.Kind)
	}
	require.Equal(t, []StepKind{StepDropTable, StepAddColumn, StepCreateTable}, kinds)
}

func TestBuild_RecreateEmitsDropRenameBookendsAndIndexes(t *testing.T) {
	tbl, err := schema.NewBuilder().
		Table("users").
		Column(schema.Column{Name: "name", LogicalType: schema.LogicalText, NotNull: true, Default: schema.ScalarDefault("")}).
		PrimaryKey("system_id").
		Index("idx_users_name", "name").
		Done().
		Build()
	require.NoError(t, err)

	change := TableChange{Table: tbl.Tables[0], Recreate: true}
	p := Build(Diff{AlterTables: []TableChange{change}})

	require.Len(t, p.Steps, 1)
	step := p.Steps[0]
	require.Equal(t, StepRecreateTable, step.Kind)
	require.Contains(t, step.SQL[0], "users_new")
	require.Contains(t, step.SQL[len(step.SQL)-3], "DROP TABLE")
	require.Contains(t, step.SQL[len(step.SQL)-1], "idx_users_name")
}

func TestBuild_ViewChangesComeLast(t *testing.T) {
	v := schema.View{Name: "active_users", Select: []schema.SelectExpr{{Expr: "1", Alias: "one"}}, From: "users"}
	tbl, err := schema.NewBuilder().Table("users").PrimaryKey("system_id").Done().Build()
	require.NoError(t, err)

	d := Diff{CreateTables: []schema.Table{tbl.Tables[0]}, CreateViews: []schema.View{v}}
	p := Build(d)

	var kinds []StepKind
	for _, s := range p.Steps {
		kinds = append(kinds, s.Kind)
	}
	require.Equal(t, StepCreateTable, kinds[0])
	require.Equal(t, StepCreateView, kinds[len(kinds)-1])
}

func TestPlan_EmptyWithNoSteps(t *testing.T) {
	require.True(t, Plan{}.Empty())
	require.False(t, Plan{Steps: []Step{{Kind: StepDropTable}}}.Empty())
}
