package propolis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	propolis "github.com/propolis/propolis"
	"github.com/propolis/propolis/testutil"
)

const smallSchemaYAML = `
roles:
  - object_type: Project
    name: Owner
    read: true
    update: true
    delete: true
    propagated:
      - down: Project->Task
        read: true
        update: true
      - down: Project->Task->Note
        read: true
`

func TestMigrator_MigrateEmptyDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.EmptyDB(t)
	ctx := context.Background()

	m := propolis.NewMigrator(db, "")

	// Before migration the tables are missing.
	_, err := m.GetStatus(ctx)
	require.True(t, propolis.IsMissingSchemaErr(err))
	_, err = propolis.LoadRegistry(ctx, db)
	require.True(t, propolis.IsMissingSchemaErr(err))

	schema, err := propolis.ParseSchemaString(smallSchemaYAML)
	require.NoError(t, err)
	require.NoError(t, m.MigrateSchema(ctx, schema))

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, status.RoleCount)
	require.EqualValues(t, 2, status.RuleCount)
	require.Zero(t, status.GrantCount)
	require.GreaterOrEqual(t, status.IndexCount, 12)

	reg, err := propolis.LoadRegistry(ctx, db)
	require.NoError(t, err)
	_, err = reg.BaseRole("Project", "Owner")
	require.NoError(t, err)
}

func TestMigrator_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.EmptyDB(t)
	ctx := context.Background()

	m := propolis.NewMigrator(db, "")
	schema, err := propolis.ParseSchemaString(smallSchemaYAML)
	require.NoError(t, err)

	require.NoError(t, m.MigrateSchema(ctx, schema))
	first, err := propolis.LoadRegistry(ctx, db)
	require.NoError(t, err)
	role1, err := first.BaseRole("Project", "Owner")
	require.NoError(t, err)

	require.NoError(t, m.MigrateSchema(ctx, schema))
	second, err := propolis.LoadRegistry(ctx, db)
	require.NoError(t, err)
	role2, err := second.BaseRole("Project", "Owner")
	require.NoError(t, err)

	require.Equal(t, role1.ID, role2.ID, "role ids survive re-migration")

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, status.RoleCount)
	require.EqualValues(t, 2, status.RuleCount)
}

func TestMigrator_GrantsSurviveRemigration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.EmptyDB(t)
	ctx := context.Background()

	m := propolis.NewMigrator(db, "")
	schema, err := propolis.ParseSchemaString(smallSchemaYAML)
	require.NoError(t, err)
	require.NoError(t, m.MigrateSchema(ctx, schema))

	reg, err := propolis.LoadRegistry(ctx, db)
	require.NoError(t, err)
	store := propolis.NewStore(reg)
	engine := propolis.NewEngine(reg)

	project := propolis.Object{Type: "Project", ID: 1}
	task := propolis.Object{Type: "Task", ID: 1}

	rel, err := store.CreateRelationship(ctx, db, project, task)
	require.NoError(t, err)
	require.NoError(t, engine.OnRelationshipCreated(ctx, db, rel))
	g, err := store.CreateGrant(ctx, db, 1, "Owner", project)
	require.NoError(t, err)
	require.NoError(t, engine.OnGrantCreated(ctx, db, g.ID))

	checker := propolis.NewChecker(db)
	ok, err := checker.Check(ctx, 1, propolis.ActionRead, task)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-migrating the unchanged schema disturbs nothing.
	require.NoError(t, m.MigrateSchema(ctx, schema))
	ok, err = checker.Check(ctx, 1, propolis.ActionRead, task)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMigrator_RemovedRuleRetractsGrants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.EmptyDB(t)
	ctx := context.Background()

	m := propolis.NewMigrator(db, "")
	schema, err := propolis.ParseSchemaString(smallSchemaYAML)
	require.NoError(t, err)
	require.NoError(t, m.MigrateSchema(ctx, schema))

	reg, err := propolis.LoadRegistry(ctx, db)
	require.NoError(t, err)
	store := propolis.NewStore(reg)
	engine := propolis.NewEngine(reg)

	project := propolis.Object{Type: "Project", ID: 1}
	task := propolis.Object{Type: "Task", ID: 1}

	rel, err := store.CreateRelationship(ctx, db, project, task)
	require.NoError(t, err)
	require.NoError(t, engine.OnRelationshipCreated(ctx, db, rel))
	g, err := store.CreateGrant(ctx, db, 1, "Owner", project)
	require.NoError(t, err)
	require.NoError(t, engine.OnGrantCreated(ctx, db, g.ID))

	checker := propolis.NewChecker(db)
	ok, err := checker.Check(ctx, 1, propolis.ActionRead, task)
	require.NoError(t, err)
	require.True(t, ok)

	// Same role, propagation rules removed.
	trimmed, err := propolis.ParseSchemaString(`
roles:
  - object_type: Project
    name: Owner
    read: true
    update: true
    delete: true
`)
	require.NoError(t, err)
	require.NoError(t, m.MigrateSchema(ctx, trimmed))

	ok, err = checker.Check(ctx, 1, propolis.ActionRead, task)
	require.NoError(t, err)
	require.False(t, ok, "grants derived from the removed rule are retracted")

	ok, err = checker.Check(ctx, 1, propolis.ActionRead, project)
	require.NoError(t, err)
	require.True(t, ok, "the direct grant is untouched")

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, status.RuleCount)
	require.Zero(t, status.DerivedGrantCount)
}

func TestMigrator_InvalidSchemaRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.EmptyDB(t)
	ctx := context.Background()

	bad, err := propolis.ParseSchemaString(`
roles:
  - object_type: Project
    name: Owner
    read: true
    propagated:
      - down: Task->Note
        read: true
`)
	require.NoError(t, err)

	err = propolis.NewMigrator(db, "").MigrateSchema(ctx, bad)
	require.Error(t, err)
	require.True(t, propolis.IsInvalidRuleErr(err))

	// Nothing was applied.
	_, err = propolis.NewMigrator(db, "").GetStatus(ctx)
	require.True(t, propolis.IsMissingSchemaErr(err))
}

func TestMigrator_FixtureSchemaLoads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.DB(t)
	ctx := context.Background()

	reg, err := propolis.LoadRegistry(ctx, db)
	require.NoError(t, err)

	require.True(t, reg.IsCommentable("Control"))
	require.True(t, reg.IsCommentable("Assessment"))
	require.False(t, reg.IsCommentable("Program"))

	_, err = reg.BaseRole(propolis.TypeComment, propolis.CommentReaderRole)
	require.NoError(t, err)

	require.True(t, reg.InScope("Program", "Evidence"))
	require.True(t, reg.InScope("Control", "Comment"))
	require.False(t, reg.InScope("Evidence", "Program"))
}
