// Package propolis provides a PostgreSQL-backed propagated access control
// engine: roles granted on one object are materialized as derived grants on
// related objects by walking typed relationship paths.
//
// # Core Concepts
//
// Objects are opaque (type, id) pairs. The engine never resolves domain
// models; applications map their own tables to objects:
//
//	control := propolis.Object{Type: "Control", ID: 1}
//	doc := propolis.Object{Type: "Document", ID: 5}
//
// A Role names a permission bundle (read/update/delete) for one object type.
// Each role carries zero or more propagated rules: path expressions such as
// "Control->Document->Comment" describing which relationship chains away
// from the role's anchor object inherit the role's (possibly reduced) bits.
//
// # Propagation
//
// Granting a person a role on an object inserts one row into the grant
// table. The engine then derives additional rows for every object reachable
// through the role's rules, each tagged with the originating grant as its
// parent so revocation cascades. Creating a relationship re-derives grants
// whose reach the new edge extends, and maintains a bucket table memoizing
// partial closures so deep chains are extended incrementally instead of
// re-walked.
//
// All engine entry points accept a Querier, so propagation runs inside the
// caller's transaction and derived rows commit atomically with the
// triggering row:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	g, _ := store.CreateGrant(ctx, tx, personID, "ProgramManager", program)
//	_ = engine.OnGrantCreated(ctx, tx, g.ID)
//	tx.Commit()
//
// # Read Path
//
// The Checker answers "can person P do X to object O" from the materialized
// grant table:
//
//	checker := propolis.NewChecker(db)
//	ok, err := checker.Check(ctx, personID, propolis.ActionRead, control)
//
// # Schema Management
//
// Roles and rules are authored in a YAML schema file and loaded with the
// Migrator, which also applies the engine's DDL:
//
//	m := propolis.NewMigrator(db, "schemas")
//	err := m.Migrate(ctx)
package propolis

import (
	"context"
	"database/sql"
	"strconv"
)

// ObjectType represents the type of a domain object ("Program", "Audit", ...).
type ObjectType string

// String returns the string representation of the object type.
func (ot ObjectType) String() string {
	return string(ot)
}

// TypeComment is the object type comments are attached to commentable
// objects as. The comment mirroring hook treats it specially.
const TypeComment ObjectType = "Comment"

// Object is a typed reference to a domain object. The engine treats objects
// as opaque pairs; it never dereferences them.
//
// Objects are value types and safe to copy. The canonical string format is
// "type:id", used in logging and bucket paths.
type Object struct {
	Type ObjectType
	ID   int64
}

// String returns the canonical representation "type:id".
func (o Object) String() string {
	return o.Type.String() + ":" + strconv.FormatInt(o.ID, 10)
}

// ACLObject returns the object itself, implementing ObjectLike.
func (o Object) ACLObject() Object {
	return o
}

// ObjectLike defines an interface for types that can be converted to
// Objects. This lets domain models participate in permission checks without
// importing the domain layer into propolis:
//
//	type Control struct{ ID int64 }
//	func (c Control) ACLObject() propolis.Object {
//	    return propolis.Object{Type: "Control", ID: c.ID}
//	}
type ObjectLike interface {
	ACLObject() Object
}

// Action is a permission being exercised against an object.
type Action string

const (
	// ActionRead is the permission to view an object.
	ActionRead Action = "read"

	// ActionUpdate is the permission to modify an object.
	ActionUpdate Action = "update"

	// ActionDelete is the permission to remove an object.
	ActionDelete Action = "delete"
)

// Permissions is the read/update/delete bit set carried by roles and
// propagated rules. A propagated rule's bits may be a strict subset of its
// base role's bits (update on the anchor, read-only on comments).
type Permissions struct {
	Read   bool
	Update bool
	Delete bool
}

// Allows reports whether the bit for the given action is set.
func (p Permissions) Allows(a Action) bool {
	switch a {
	case ActionRead:
		return p.Read
	case ActionUpdate:
		return p.Update
	case ActionDelete:
		return p.Delete
	}
	return false
}

// Relationship is a directed edge between two objects. Relationships are the
// substrate propagation walks over; the engine only ever reads them and
// marks LimitExceeded when a fan-out cap aborts propagation for an edge.
type Relationship struct {
	ID            int64
	Source        Object
	Destination   Object
	LimitExceeded bool
}

// Querier executes queries against PostgreSQL.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
//
// The Checker only needs Querier, so read-path callers can hand it whatever
// database handle they hold, including an open transaction whose uncommitted
// grants should be visible to permission checks.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer extends Querier with ExecContext. The Engine, Store, and Migrator
// require Execer because they write rows. Engine entry points take an Execer
// per call so that propagation participates in the transaction that created
// the triggering row: derived grants become visible atomically with their
// trigger, or not at all.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
