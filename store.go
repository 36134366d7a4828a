package propolis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Grant is one row of the materialized access control list. Direct grants
// carry RoleID and no parent; derived grants carry PropagatedRoleID plus the
// parent grant they were derived from and the direct grant at the root of
// their derivation chain.
type Grant struct {
	ID       int64
	PersonID int64

	// RoleID is set on direct grants, zero on derived ones.
	RoleID int64

	// PropagatedRoleID is set on derived grants, zero on direct ones.
	PropagatedRoleID int64

	Object Object

	// ParentID is the grant this one was derived from, zero for direct
	// grants. Deleting the parent cascades to the whole subtree.
	ParentID int64

	// BaseID is the direct grant at the root of the derivation chain, zero
	// for direct grants.
	BaseID int64

	// LimitExceeded marks a direct grant whose propagation was aborted by
	// the fan-out cap. Its derived grants are incomplete (absent).
	LimitExceeded bool
}

// IsDirect reports whether the grant was created by a caller rather than
// derived by propagation.
func (g Grant) IsDirect() bool {
	return g.ParentID == 0
}

// Store performs grant and relationship mutations. It validates against the
// registry but holds no database handle; every method takes one, so mutations
// run inside whatever transaction the caller is in.
type Store struct {
	reg *Registry
}

// NewStore creates a store backed by the given registry.
func NewStore(reg *Registry) *Store {
	return &Store{reg: reg}
}

// CreateGrant gives a person the named role on an object and returns the
// grant row. The role must be registered for the object's type. Creating a
// grant that already exists returns the existing row.
//
// The role's is_delete_allowed flag flips to false on first use; after that
// DeleteRole refuses the role while any grant references it.
//
// Run Engine.OnGrantCreated with the returned id inside the same transaction
// to materialize the derived grants.
func (s *Store) CreateGrant(ctx context.Context, db Execer, personID int64, roleName string, obj ObjectLike) (Grant, error) {
	o := obj.ACLObject()
	role, err := s.reg.BaseRole(o.Type, roleName)
	if err != nil {
		return Grant{}, err
	}

	g := Grant{PersonID: personID, RoleID: role.ID, Object: o}

	err = db.QueryRowContext(ctx, `
		INSERT INTO propolis_grants (person_id, role_id, object_type, object_id, parent_id_nn)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, personID, role.ID, o.Type, o.ID).Scan(&g.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already granted; fetch the existing row's id.
		err = db.QueryRowContext(ctx, `
			SELECT id FROM propolis_grants
			WHERE person_id = $1 AND role_id = $2
			  AND object_type = $3 AND object_id = $4
			  AND parent_id_nn = 0
		`, personID, role.ID, o.Type, o.ID).Scan(&g.ID)
	}
	if err != nil {
		return Grant{}, mapSchemaErr(fmt.Errorf("creating grant: %w", err))
	}

	if _, err := db.ExecContext(ctx, `
		UPDATE propolis_roles SET is_delete_allowed = FALSE
		WHERE id = $1 AND is_delete_allowed
	`, role.ID); err != nil {
		return Grant{}, fmt.Errorf("marking role in use: %w", err)
	}

	return g, nil
}

// DeleteGrant revokes a direct grant. Every grant derived from it goes with
// it through the parent_id cascade; no recomputation is needed for simple
// revocation. Deleting a grant that does not exist is a no-op.
func (s *Store) DeleteGrant(ctx context.Context, db Execer, grantID int64) error {
	if _, err := db.ExecContext(ctx,
		`DELETE FROM propolis_grants WHERE id = $1`, grantID); err != nil {
		return mapSchemaErr(fmt.Errorf("deleting grant %d: %w", grantID, err))
	}
	return nil
}

// DeleteObjectGrants removes every grant on an object, direct and derived.
// Call when the domain object itself is deleted.
func (s *Store) DeleteObjectGrants(ctx context.Context, db Execer, obj ObjectLike) error {
	o := obj.ACLObject()
	if _, err := db.ExecContext(ctx, `
		DELETE FROM propolis_grants WHERE object_type = $1 AND object_id = $2
	`, o.Type, o.ID); err != nil {
		return mapSchemaErr(fmt.Errorf("deleting grants on %s: %w", o, err))
	}
	return nil
}

// DeleteRole removes a role and its propagation rules. Refused with
// ErrRoleInUse while any grant references the role or one of its rules.
func (s *Store) DeleteRole(ctx context.Context, db Execer, roleID int64) error {
	var inUse bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM propolis_grants
			WHERE role_id = $1
			   OR propagated_role_id IN (
			       SELECT id FROM propolis_propagated_roles WHERE role_id = $1)
		)
	`, roleID).Scan(&inUse)
	if err != nil {
		return mapSchemaErr(fmt.Errorf("checking role %d usage: %w", roleID, err))
	}
	if inUse {
		return fmt.Errorf("%w: role %d", ErrRoleInUse, roleID)
	}

	res, err := db.ExecContext(ctx, `DELETE FROM propolis_roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("deleting role %d: %w", roleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrUnknownRole, roleID)
	}
	return nil
}

// CreateRelationship records a directed edge between two objects and returns
// it. Creating an edge that already exists returns the existing row.
//
// Run Engine.OnRelationshipCreated with the returned relationship inside the
// same transaction to extend buckets and derived grants across the new edge.
func (s *Store) CreateRelationship(ctx context.Context, db Execer, src, dst ObjectLike) (Relationship, error) {
	rel := Relationship{Source: src.ACLObject(), Destination: dst.ACLObject()}

	err := db.QueryRowContext(ctx, `
		INSERT INTO propolis_relationships (source_type, source_id, destination_type, destination_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, rel.Source.Type, rel.Source.ID, rel.Destination.Type, rel.Destination.ID).Scan(&rel.ID)
	if errors.Is(err, sql.ErrNoRows) {
		err = db.QueryRowContext(ctx, `
			SELECT id, limit_exceeded FROM propolis_relationships
			WHERE source_type = $1 AND source_id = $2
			  AND destination_type = $3 AND destination_id = $4
		`, rel.Source.Type, rel.Source.ID, rel.Destination.Type, rel.Destination.ID).
			Scan(&rel.ID, &rel.LimitExceeded)
	}
	if err != nil {
		return Relationship{}, mapSchemaErr(fmt.Errorf("creating relationship: %w", err))
	}

	return rel, nil
}

// RelationshipByID fetches one relationship row.
func (s *Store) RelationshipByID(ctx context.Context, db Querier, id int64) (Relationship, error) {
	rel := Relationship{ID: id}
	err := db.QueryRowContext(ctx, `
		SELECT source_type, source_id, destination_type, destination_id, limit_exceeded
		FROM propolis_relationships WHERE id = $1
	`, id).Scan(&rel.Source.Type, &rel.Source.ID,
		&rel.Destination.Type, &rel.Destination.ID, &rel.LimitExceeded)
	if err != nil {
		return Relationship{}, mapSchemaErr(fmt.Errorf("fetching relationship %d: %w", id, err))
	}
	return rel, nil
}

// DeleteRelationship removes an edge. Bucket rows built on the edge cascade
// away; derived grants do not reference relationships, so the caller must run
// Engine.OnRelationshipDeleted first (in the same transaction) to retract the
// grants that reached through the edge.
func (s *Store) DeleteRelationship(ctx context.Context, db Execer, relID int64) error {
	if _, err := db.ExecContext(ctx,
		`DELETE FROM propolis_relationships WHERE id = $1`, relID); err != nil {
		return mapSchemaErr(fmt.Errorf("deleting relationship %d: %w", relID, err))
	}
	return nil
}

// GrantsOn returns every grant on an object, direct and derived, ordered by
// id. Primarily for diagnostics and tests; permission checks use the Checker.
func (s *Store) GrantsOn(ctx context.Context, db Querier, obj ObjectLike) ([]Grant, error) {
	o := obj.ACLObject()
	rows, err := db.QueryContext(ctx, `
		SELECT id, person_id, role_id, propagated_role_id,
		       object_type, object_id, parent_id, base_id, limit_exceeded
		FROM propolis_grants
		WHERE object_type = $1 AND object_id = $2
		ORDER BY id
	`, o.Type, o.ID)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("listing grants on %s: %w", o, err))
	}
	defer rows.Close()
	return scanGrants(rows)
}

// EffectiveGrant is one resolved source of access on an object: who holds it,
// which role it came from, and the permission bits that source contributes.
type EffectiveGrant struct {
	PersonID int64
	Role     string
	Permissions

	// Derived is false only for grants a caller created directly.
	Derived bool
}

// EffectiveGrantsFor resolves the grants on an object against the registry.
// Direct grants carry their base role's bits; derived grants carry their
// rule's (possibly narrower) bits under the base role's name. Grants
// referencing roles or rules the registry does not know are skipped, matching
// how propagation treats orphan references.
func (s *Store) EffectiveGrantsFor(ctx context.Context, db Querier, obj ObjectLike) ([]EffectiveGrant, error) {
	grants, err := s.GrantsOn(ctx, db, obj)
	if err != nil {
		return nil, err
	}

	out := make([]EffectiveGrant, 0, len(grants))
	for _, g := range grants {
		eff := EffectiveGrant{PersonID: g.PersonID, Derived: !g.IsDirect()}
		switch {
		case g.RoleID != 0:
			role := s.reg.RoleByID(g.RoleID)
			if role == nil {
				continue
			}
			eff.Role = role.Name
			eff.Permissions = role.Permissions
		default:
			rule := s.reg.RuleByID(g.PropagatedRoleID)
			if rule == nil {
				continue
			}
			role := s.reg.RoleByID(rule.RoleID)
			if role == nil {
				continue
			}
			eff.Role = role.Name
			eff.Permissions = rule.Permissions
		}
		out = append(out, eff)
	}
	return out, nil
}

// GrantsFor returns every grant held by a person, ordered by id.
func (s *Store) GrantsFor(ctx context.Context, db Querier, personID int64) ([]Grant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, person_id, role_id, propagated_role_id,
		       object_type, object_id, parent_id, base_id, limit_exceeded
		FROM propolis_grants
		WHERE person_id = $1
		ORDER BY id
	`, personID)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("listing grants for person %d: %w", personID, err))
	}
	defer rows.Close()
	return scanGrants(rows)
}

func scanGrants(rows *sql.Rows) ([]Grant, error) {
	var out []Grant
	for rows.Next() {
		var g Grant
		var roleID, propRoleID, parentID, baseID sql.NullInt64
		if err := rows.Scan(&g.ID, &g.PersonID, &roleID, &propRoleID,
			&g.Object.Type, &g.Object.ID, &parentID, &baseID, &g.LimitExceeded); err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		g.RoleID = roleID.Int64
		g.PropagatedRoleID = propRoleID.Int64
		g.ParentID = parentID.Int64
		g.BaseID = baseID.Int64
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading grants: %w", err)
	}
	return out, nil
}

// LoadRegistry reads roles, propagation rules, and commentable types from the
// database and builds the registry. Call once at startup (and again after a
// migration); the result is immutable and shared by Engine, Store, and
// Checker.
//
// Returns ErrMissingSchema when the tables do not exist and ErrEmptyRegistry
// when no schema has been loaded.
func LoadRegistry(ctx context.Context, db Querier) (*Registry, error) {
	roles, err := loadRoles(ctx, db)
	if err != nil {
		return nil, err
	}
	rules, err := loadRules(ctx, db)
	if err != nil {
		return nil, err
	}
	commentable, err := loadCommentable(ctx, db)
	if err != nil {
		return nil, err
	}
	return BuildRegistry(roles, rules, commentable)
}

func loadRoles(ctx context.Context, db Querier) ([]Role, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, object_type, name, can_read, can_update, can_delete,
		       internal, non_editable, is_delete_allowed
		FROM propolis_roles
		ORDER BY id
	`)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("loading roles: %w", err))
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.ObjectType, &r.Name,
			&r.Read, &r.Update, &r.Delete,
			&r.Internal, &r.NonEditable, &r.IsDeleteAllowed); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadRules(ctx context.Context, db Querier) ([]PropagatedRule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, role_id, for_up_path, for_down_path,
		       can_read, can_update, can_delete, is_delete_allowed
		FROM propolis_propagated_roles
		ORDER BY id
	`)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("loading propagation rules: %w", err))
	}
	defer rows.Close()

	var out []PropagatedRule
	for rows.Next() {
		var r PropagatedRule
		if err := rows.Scan(&r.ID, &r.RoleID, &r.ForUpPath, &r.ForDownPath,
			&r.Read, &r.Update, &r.Delete, &r.IsDeleteAllowed); err != nil {
			return nil, fmt.Errorf("scanning propagation rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadCommentable(ctx context.Context, db Querier) ([]ObjectType, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT object_type FROM propolis_commentable_types ORDER BY object_type`)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("loading commentable types: %w", err))
	}
	defer rows.Close()

	var out []ObjectType
	for rows.Next() {
		var t ObjectType
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning commentable type: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// mapSchemaErr converts undefined-table errors into ErrMissingSchema so
// callers get an actionable "run propolis migrate" signal instead of a raw
// SQLSTATE.
func mapSchemaErr(err error) error {
	if err == nil {
		return nil
	}
	if isUndefinedTable(err) {
		return fmt.Errorf("%w: %v", ErrMissingSchema, err)
	}
	return err
}
