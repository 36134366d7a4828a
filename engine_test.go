package propolis_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	propolis "github.com/propolis/propolis"
	"github.com/propolis/propolis/testutil"
)

// env bundles the handles most integration tests need. Each env gets its own
// isolated database with the fixture schema loaded.
type env struct {
	db     *sql.DB
	reg    *propolis.Registry
	store  *propolis.Store
	engine *propolis.Engine
}

func newEnv(t *testing.T, opts ...propolis.EngineOption) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := testutil.DB(t)
	reg := testutil.Registry(t, db)
	return &env{
		db:     db,
		reg:    reg,
		store:  propolis.NewStore(reg),
		engine: propolis.NewEngine(reg, opts...),
	}
}

func obj(typ propolis.ObjectType, id int64) propolis.Object {
	return propolis.Object{Type: typ, ID: id}
}

// grant creates a direct grant and runs propagation for it.
func (e *env) grant(t *testing.T, personID int64, role string, o propolis.Object) propolis.Grant {
	t.Helper()
	ctx := context.Background()
	g, err := e.store.CreateGrant(ctx, e.db, personID, role, o)
	require.NoError(t, err)
	require.NoError(t, e.engine.OnGrantCreated(ctx, e.db, g.ID))
	return g
}

// relate creates an edge and runs propagation for it.
func (e *env) relate(t *testing.T, src, dst propolis.Object) propolis.Relationship {
	t.Helper()
	ctx := context.Background()
	rel, err := e.store.CreateRelationship(ctx, e.db, src, dst)
	require.NoError(t, err)
	require.NoError(t, e.engine.OnRelationshipCreated(ctx, e.db, rel))
	return rel
}

// unrelate retracts grants reached through the edge and deletes it.
func (e *env) unrelate(t *testing.T, rel propolis.Relationship) {
	t.Helper()
	require.NoError(t, e.engine.OnRelationshipDeleted(context.Background(), e.db, rel))
}

func (e *env) check(t *testing.T, personID int64, action propolis.Action, o propolis.Object) bool {
	t.Helper()
	ok, err := propolis.NewChecker(e.db).Check(context.Background(), personID, action, o)
	require.NoError(t, err)
	return ok
}

func TestPropagation_GrantAfterEdges(t *testing.T) {
	e := newEnv(t)
	program := obj("Program", 1)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)
	evidence := obj("Evidence", 1)

	e.relate(t, program, audit)
	e.relate(t, audit, assessment)
	e.relate(t, assessment, evidence)

	e.grant(t, 1, "ProgramManager", program)

	for _, o := range []propolis.Object{program, audit, assessment, evidence} {
		require.True(t, e.check(t, 1, propolis.ActionRead, o), "person 1 should read %s", o)
		require.True(t, e.check(t, 1, propolis.ActionUpdate, o), "person 1 should update %s", o)
	}

	// Delete propagates nowhere: the rules carry read/update only.
	require.True(t, e.check(t, 1, propolis.ActionDelete, program))
	require.False(t, e.check(t, 1, propolis.ActionDelete, audit))
	require.False(t, e.check(t, 1, propolis.ActionDelete, evidence))

	// Someone else gets nothing.
	require.False(t, e.check(t, 2, propolis.ActionRead, audit))
}

func TestPropagation_EdgesAfterGrant(t *testing.T) {
	e := newEnv(t)
	program := obj("Program", 1)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)
	evidence := obj("Evidence", 1)

	e.grant(t, 1, "ProgramManager", program)
	require.False(t, e.check(t, 1, propolis.ActionRead, audit))

	e.relate(t, program, audit)
	require.True(t, e.check(t, 1, propolis.ActionRead, audit))
	require.False(t, e.check(t, 1, propolis.ActionRead, assessment))

	e.relate(t, audit, assessment)
	require.True(t, e.check(t, 1, propolis.ActionRead, assessment))
	require.False(t, e.check(t, 1, propolis.ActionRead, evidence))

	e.relate(t, assessment, evidence)
	require.True(t, e.check(t, 1, propolis.ActionRead, evidence))
}

func TestPropagation_DerivedGrantShape(t *testing.T) {
	e := newEnv(t)
	program := obj("Program", 1)
	audit := obj("Audit", 1)

	e.relate(t, program, audit)
	direct := e.grant(t, 1, "ProgramManager", program)

	grants, err := e.store.GrantsOn(context.Background(), e.db, audit)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	d := grants[0]
	require.False(t, d.IsDirect())
	require.Zero(t, d.RoleID, "derived grants carry a propagated role, not a base role")
	require.NotZero(t, d.PropagatedRoleID)
	require.Equal(t, direct.ID, d.ParentID)
	require.Equal(t, direct.ID, d.BaseID)
	require.Equal(t, int64(1), d.PersonID)
}

func TestGrantTimestamps(t *testing.T) {
	e := newEnv(t)
	g := e.grant(t, 1, "ProgramManager", obj("Program", 1))

	var createdAt, updatedAt time.Time
	err := e.db.QueryRowContext(context.Background(), `
		SELECT created_at, updated_at FROM propolis_grants WHERE id = $1
	`, g.ID).Scan(&createdAt, &updatedAt)
	require.NoError(t, err)
	require.False(t, createdAt.IsZero())
	require.False(t, updatedAt.IsZero())
}

func TestPropagation_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)

	rel := e.relate(t, program, audit)
	g := e.grant(t, 1, "ProgramManager", program)

	// Re-running either hook must not duplicate rows.
	require.NoError(t, e.engine.OnGrantCreated(ctx, e.db, g.ID))
	require.NoError(t, e.engine.OnRelationshipCreated(ctx, e.db, rel))

	grants, err := e.store.GrantsOn(ctx, e.db, audit)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	// Re-granting returns the existing row.
	again, err := e.store.CreateGrant(ctx, e.db, 1, "ProgramManager", program)
	require.NoError(t, err)
	require.Equal(t, g.ID, again.ID)

	// Re-relating returns the existing edge.
	relAgain, err := e.store.CreateRelationship(ctx, e.db, program, audit)
	require.NoError(t, err)
	require.Equal(t, rel.ID, relAgain.ID)
}

func TestPropagation_ParentScopeSibling(t *testing.T) {
	// Assignee on an assessment reads the audit above it and the evidence
	// attached to that audit, whichever order the edges arrive in.
	cases := []struct {
		name          string
		evidenceFirst bool
	}{
		{name: "assessment edge first"},
		{name: "evidence edge first", evidenceFirst: true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			audit := obj("Audit", 1)
			assessment := obj("Assessment", 1)
			evidence := obj("Evidence", 1)

			e.grant(t, 1, "Assignee", assessment)

			if tt.evidenceFirst {
				e.relate(t, audit, evidence)
				e.relate(t, audit, assessment)
			} else {
				e.relate(t, audit, assessment)
				e.relate(t, audit, evidence)
			}

			require.True(t, e.check(t, 1, propolis.ActionRead, audit),
				"up rule should reach the audit")
			require.True(t, e.check(t, 1, propolis.ActionRead, evidence),
				"parent-scope rule should reach the sibling evidence")
			require.False(t, e.check(t, 1, propolis.ActionUpdate, audit),
				"up rule carries read only")
		})
	}
}

func TestRevocation_ParentScopeUpEdge(t *testing.T) {
	// Detaching an assessment from its audit must retract the assignee's
	// derived grants on the audit and on the sibling evidence. The evidence
	// grant depends on the removed edge only through the rule's reverse hop,
	// which no forward closure row records.
	e := newEnv(t)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)
	evidence := obj("Evidence", 1)

	up := e.relate(t, audit, assessment)
	e.relate(t, audit, evidence)
	e.grant(t, 1, "Assignee", assessment)

	// A second assignee on another assessment in the same audit keeps its
	// own route.
	other := obj("Assessment", 2)
	e.relate(t, audit, other)
	e.grant(t, 2, "Assignee", other)

	require.True(t, e.check(t, 1, propolis.ActionRead, audit))
	require.True(t, e.check(t, 1, propolis.ActionRead, evidence))

	e.unrelate(t, up)

	require.False(t, e.check(t, 1, propolis.ActionRead, audit))
	require.False(t, e.check(t, 1, propolis.ActionRead, evidence),
		"the sibling grant depends on the removed up edge")
	require.True(t, e.check(t, 1, propolis.ActionRead, assessment),
		"the direct grant survives")

	require.True(t, e.check(t, 2, propolis.ActionRead, audit),
		"person 2's assessment is still attached")
	require.True(t, e.check(t, 2, propolis.ActionRead, evidence))
}

func TestRevocation_DeleteGrantCascades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)

	e.relate(t, program, audit)
	e.relate(t, audit, assessment)
	g := e.grant(t, 1, "ProgramManager", program)

	require.True(t, e.check(t, 1, propolis.ActionRead, assessment))

	require.NoError(t, e.store.DeleteGrant(ctx, e.db, g.ID))

	require.False(t, e.check(t, 1, propolis.ActionRead, program))
	require.False(t, e.check(t, 1, propolis.ActionRead, audit))
	require.False(t, e.check(t, 1, propolis.ActionRead, assessment))

	grants, err := e.store.GrantsFor(ctx, e.db, 1)
	require.NoError(t, err)
	require.Empty(t, grants, "derived grants must cascade with their parent")
}

func TestRevocation_EdgeDeletionRebuilds(t *testing.T) {
	e := newEnv(t)
	program := obj("Program", 1)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)
	evidence := obj("Evidence", 1)

	e.relate(t, program, audit)
	middle := e.relate(t, audit, assessment)
	e.relate(t, assessment, evidence)
	e.grant(t, 1, "ProgramManager", program)

	require.True(t, e.check(t, 1, propolis.ActionRead, evidence))

	e.unrelate(t, middle)

	// Everything below the removed edge is unreachable.
	require.False(t, e.check(t, 1, propolis.ActionRead, assessment))
	require.False(t, e.check(t, 1, propolis.ActionRead, evidence))
	// The audit is still directly connected.
	require.True(t, e.check(t, 1, propolis.ActionRead, audit))
}

func TestRevocation_EdgeDeletionKeepsOtherRoutes(t *testing.T) {
	// Two programs share an audit; removing one program's edge must not
	// disturb access derived through the other.
	e := newEnv(t)
	program1 := obj("Program", 1)
	program2 := obj("Program", 2)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)

	rel1 := e.relate(t, program1, audit)
	e.relate(t, program2, audit)
	e.relate(t, audit, assessment)

	e.grant(t, 1, "ProgramManager", program1)
	e.grant(t, 2, "ProgramManager", program2)

	require.True(t, e.check(t, 1, propolis.ActionRead, assessment))
	require.True(t, e.check(t, 2, propolis.ActionRead, assessment))

	e.unrelate(t, rel1)

	require.False(t, e.check(t, 1, propolis.ActionRead, audit))
	require.False(t, e.check(t, 1, propolis.ActionRead, assessment))
	require.True(t, e.check(t, 2, propolis.ActionRead, audit),
		"person 2's route does not use the deleted edge")
	require.True(t, e.check(t, 2, propolis.ActionRead, assessment))
}

func TestFanOutCap_GrantTrigger(t *testing.T) {
	e := newEnv(t, propolis.WithFanOutCap(3))
	ctx := context.Background()
	program := obj("Program", 1)

	for i := int64(1); i <= 5; i++ {
		e.relate(t, program, obj("Audit", i))
	}

	g := e.grant(t, 1, "ProgramManager", program)

	grants, err := e.store.GrantsFor(ctx, e.db, 1)
	require.NoError(t, err)
	require.Len(t, grants, 1, "aborted propagation must insert nothing")
	require.True(t, grants[0].LimitExceeded)
	require.Equal(t, g.ID, grants[0].ID)

	require.True(t, e.check(t, 1, propolis.ActionRead, program),
		"the direct grant itself still works")
	require.False(t, e.check(t, 1, propolis.ActionRead, obj("Audit", 1)))
}

func TestFanOutCap_RelationshipTrigger(t *testing.T) {
	e := newEnv(t, propolis.WithFanOutCap(3))
	ctx := context.Background()
	program := obj("Program", 1)

	e.grant(t, 1, "ProgramManager", program)
	for i := int64(1); i <= 3; i++ {
		e.relate(t, program, obj("Audit", i))
	}
	require.True(t, e.check(t, 1, propolis.ActionRead, obj("Audit", 3)))

	// The fourth edge pushes the walk over the cap.
	over := e.relate(t, program, obj("Audit", 4))

	got, err := e.store.RelationshipByID(ctx, e.db, over.ID)
	require.NoError(t, err)
	require.True(t, got.LimitExceeded, "the triggering edge is marked")

	require.False(t, e.check(t, 1, propolis.ActionRead, obj("Audit", 4)),
		"nothing new is derived once over the cap")
}

func TestRebuildAll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)

	// Create rows without running the propagation hooks, as if the rules had
	// changed after the fact.
	_, err := e.store.CreateRelationship(ctx, e.db, program, audit)
	require.NoError(t, err)
	_, err = e.store.CreateGrant(ctx, e.db, 1, "ProgramManager", program)
	require.NoError(t, err)

	require.False(t, e.check(t, 1, propolis.ActionRead, audit))

	require.NoError(t, e.engine.RebuildAll(ctx, e.db))

	require.True(t, e.check(t, 1, propolis.ActionRead, audit))

	// A second rebuild settles to the same state.
	require.NoError(t, e.engine.RebuildAll(ctx, e.db))
	grants, err := e.store.GrantsOn(ctx, e.db, audit)
	require.NoError(t, err)
	require.Len(t, grants, 1)
}

func TestRebuildAll_RestoresBuckets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)

	// Edges created without the hooks leave no closure rows behind.
	_, err := e.store.CreateRelationship(ctx, e.db, program, audit)
	require.NoError(t, err)
	middle, err := e.store.CreateRelationship(ctx, e.db, audit, assessment)
	require.NoError(t, err)
	_, err = e.store.CreateGrant(ctx, e.db, 1, "ProgramManager", program)
	require.NoError(t, err)

	require.NoError(t, e.engine.RebuildAll(ctx, e.db))

	buckets, err := e.store.BucketsFor(ctx, e.db, program)
	require.NoError(t, err)
	var scoped []propolis.Object
	for _, b := range buckets {
		scoped = append(scoped, b.Scoped)
	}
	require.Contains(t, scoped, audit)
	require.Contains(t, scoped, assessment)

	// Edge deletion works off the rebuilt cache and rule walks exactly as it
	// does for edges created through the hooks.
	e.unrelate(t, middle)
	require.False(t, e.check(t, 1, propolis.ActionRead, assessment))
	require.True(t, e.check(t, 1, propolis.ActionRead, audit))
}

func TestBuckets_FollowEdges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)
	assessment := obj("Assessment", 1)

	e.relate(t, program, audit)
	middle := e.relate(t, audit, assessment)

	buckets, err := e.store.BucketsFor(ctx, e.db, program)
	require.NoError(t, err)
	var scoped []propolis.Object
	for _, b := range buckets {
		scoped = append(scoped, b.Scoped)
	}
	require.Contains(t, scoped, audit)
	require.Contains(t, scoped, assessment)

	// Removing the lower edge collapses the deep chain rows.
	e.unrelate(t, middle)

	buckets, err = e.store.BucketsFor(ctx, e.db, program)
	require.NoError(t, err)
	for _, b := range buckets {
		require.NotEqual(t, assessment, b.Scoped,
			"no bucket may survive for an unreachable object")
	}
}

func TestDeleteRole_InUse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)

	role, err := e.reg.BaseRole("Program", "ProgramManager")
	require.NoError(t, err)

	g := e.grant(t, 1, "ProgramManager", program)

	err = e.store.DeleteRole(ctx, e.db, role.ID)
	require.Error(t, err)
	require.True(t, propolis.IsRoleInUseErr(err))

	require.NoError(t, e.store.DeleteGrant(ctx, e.db, g.ID))
	require.NoError(t, e.store.DeleteRole(ctx, e.db, role.ID))

	// Gone now.
	err = e.store.DeleteRole(ctx, e.db, role.ID)
	require.ErrorIs(t, err, propolis.ErrUnknownRole)
}

func TestEffectiveGrantsFor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)

	e.relate(t, program, audit)
	e.grant(t, 1, "ProgramManager", program)
	e.grant(t, 2, "AuditCaptain", audit)

	effective, err := e.store.EffectiveGrantsFor(ctx, e.db, audit)
	require.NoError(t, err)
	require.Len(t, effective, 2)

	byPerson := map[int64]propolis.EffectiveGrant{}
	for _, g := range effective {
		byPerson[g.PersonID] = g
	}

	require.Equal(t, "AuditCaptain", byPerson[2].Role)
	require.False(t, byPerson[2].Derived)
	require.True(t, byPerson[2].Delete, "direct grants carry the base role's bits")

	require.Equal(t, "ProgramManager", byPerson[1].Role)
	require.True(t, byPerson[1].Derived)
	require.True(t, byPerson[1].Read)
	require.False(t, byPerson[1].Delete, "derived grants carry the rule's narrower bits")
}

func TestPropagation_InsideTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	program := obj("Program", 1)
	audit := obj("Audit", 1)

	e.relate(t, program, audit)

	tx, err := e.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	g, err := e.store.CreateGrant(ctx, tx, 1, "ProgramManager", program)
	require.NoError(t, err)
	require.NoError(t, e.engine.OnGrantCreated(ctx, tx, g.ID))

	// Visible inside the transaction, invisible outside.
	inTx, err := propolis.NewChecker(tx).Check(ctx, 1, propolis.ActionRead, audit)
	require.NoError(t, err)
	require.True(t, inTx)
	require.False(t, e.check(t, 1, propolis.ActionRead, audit))

	require.NoError(t, tx.Rollback())
	require.False(t, e.check(t, 1, propolis.ActionRead, audit))
}
