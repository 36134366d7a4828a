package propolis

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	propolissql "github.com/propolis/propolis/sql"
)

// Migrator loads role schemas into PostgreSQL. The migrator is idempotent -
// safe to run on every application startup.
//
// The migration process:
//  1. Creates the propolis tables and indexes (if not exist)
//  2. Upserts roles by (object_type, name), preserving ids so existing
//     grants keep pointing at the right rows
//  3. Upserts propagation rules by (role, up path, down path); rules removed
//     from the schema are retracted together with the grants they derived
//  4. Replaces the commentable type list
//
// Changed or added rules do not re-derive grants for existing relationships
// by themselves; run Engine.RebuildAll (or `propolis rebuild`) afterwards.
type Migrator struct {
	db         Execer
	schemasDir string
}

// NewMigrator creates a schema migrator. The schemasDir should contain a
// roles.yaml file. The Execer is typically *sql.DB but can be *sql.Tx for
// testing.
func NewMigrator(db Execer, schemasDir string) *Migrator {
	return &Migrator{db: db, schemasDir: schemasDir}
}

// SchemaPath returns the path to the roles.yaml file.
func (m *Migrator) SchemaPath() string {
	return filepath.Join(m.schemasDir, "roles.yaml")
}

// HasSchema returns true if the schema file exists.
// Use this to conditionally run migration or skip if not configured.
func (m *Migrator) HasSchema() bool {
	_, err := os.Stat(m.SchemaPath())
	return err == nil
}

// ApplyDDL applies the propolis tables and indexes. Idempotent; can be
// called independently of schema migration.
func (m *Migrator) ApplyDDL(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, propolissql.TablesSQL); err != nil {
		return fmt.Errorf("applying tables.sql: %w", err)
	}
	return nil
}

// Migrate parses the schema file and loads it. The common entry point for
// startup code and the CLI.
func (m *Migrator) Migrate(ctx context.Context) error {
	schema, err := ParseSchema(m.SchemaPath())
	if err != nil {
		return err
	}
	return m.MigrateSchema(ctx, schema)
}

// MigrateSchema validates and loads a parsed schema. Uses a transaction if
// the db supports it (*sql.DB), so the role model updates atomically or not
// at all.
func (m *Migrator) MigrateSchema(ctx context.Context, schema *Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	if err := m.ApplyDDL(ctx); err != nil {
		return err
	}

	if txer, ok := m.db.(interface {
		BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	}); ok {
		tx, err := txer.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := applySchema(ctx, tx, schema); err != nil {
			return err
		}
		return tx.Commit()
	}

	return applySchema(ctx, m.db, schema)
}

func applySchema(ctx context.Context, db Execer, schema *Schema) error {
	roleIDs, err := upsertRoles(ctx, db, schema.Roles)
	if err != nil {
		return err
	}
	if err := upsertRules(ctx, db, schema.Roles, roleIDs); err != nil {
		return err
	}
	return replaceCommentable(ctx, db, schema.Commentable)
}

// upsertRoles writes the role rows and returns their ids in schema order.
// Conflicting rows keep their id, so grants referencing the role survive a
// re-migration with changed bits.
func upsertRoles(ctx context.Context, db Execer, defs []RoleDef) ([]int64, error) {
	ids := make([]int64, len(defs))
	for i, rd := range defs {
		err := db.QueryRowContext(ctx, `
			INSERT INTO propolis_roles
				(object_type, name, can_read, can_update, can_delete, internal, non_editable)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (object_type, name) DO UPDATE SET
				can_read = EXCLUDED.can_read,
				can_update = EXCLUDED.can_update,
				can_delete = EXCLUDED.can_delete,
				internal = EXCLUDED.internal,
				non_editable = EXCLUDED.non_editable
			RETURNING id
		`, rd.ObjectType, rd.Name, rd.Read, rd.Update, rd.Delete,
			rd.Internal, rd.NonEditable).Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("upserting role %s/%s: %w", rd.ObjectType, rd.Name, err)
		}
	}
	return ids, nil
}

// upsertRules writes the propagation rules and retracts the ones the schema
// no longer carries, including the grants derived from them.
func upsertRules(ctx context.Context, db Execer, defs []RoleDef, roleIDs []int64) error {
	var keep []int64
	for i, rd := range defs {
		for _, pd := range rd.Propagated {
			var id int64
			err := db.QueryRowContext(ctx, `
				INSERT INTO propolis_propagated_roles
					(role_id, for_up_path, for_down_path,
					 can_read, can_update, can_delete, is_delete_allowed)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (role_id, for_up_path, for_down_path) DO UPDATE SET
					can_read = EXCLUDED.can_read,
					can_update = EXCLUDED.can_update,
					can_delete = EXCLUDED.can_delete,
					is_delete_allowed = EXCLUDED.is_delete_allowed
				RETURNING id
			`, roleIDs[i], pd.Up, pd.Down,
				pd.Read, pd.Update, pd.Delete, pd.DeleteAllowed).Scan(&id)
			if err != nil {
				return fmt.Errorf("upserting rule %q/%q on role %s/%s: %w",
					pd.Up, pd.Down, rd.ObjectType, rd.Name, err)
			}
			keep = append(keep, id)
		}
	}

	// Rules dropped from the schema: retract their derived grants first
	// (children cascade through parent_id), then the rules themselves.
	// Scoped to the roles this schema defines; rules of other roles are not
	// touched.
	var args []any
	roleRefs := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		args = append(args, id)
		roleRefs[i] = fmt.Sprintf("$%d", len(args))
	}
	cond := fmt.Sprintf("role_id IN (%s)", strings.Join(roleRefs, ", "))
	if len(keep) > 0 {
		keepRefs := make([]string, len(keep))
		for i, id := range keep {
			args = append(args, id)
			keepRefs[i] = fmt.Sprintf("$%d", len(args))
		}
		cond += fmt.Sprintf(" AND id NOT IN (%s)", strings.Join(keepRefs, ", "))
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM propolis_grants
		WHERE propagated_role_id IN (SELECT id FROM propolis_propagated_roles WHERE %s)
	`, cond), args...); err != nil {
		return fmt.Errorf("retracting grants of removed rules: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM propolis_propagated_roles WHERE %s`, cond), args...); err != nil {
		return fmt.Errorf("deleting removed rules: %w", err)
	}
	return nil
}

// replaceCommentable truncates and repopulates the commentable type list.
// TRUNCATE is transactional in PostgreSQL.
func replaceCommentable(ctx context.Context, db Execer, types []string) error {
	if _, err := db.ExecContext(ctx, "TRUNCATE propolis_commentable_types"); err != nil {
		return fmt.Errorf("truncating propolis_commentable_types: %w", err)
	}
	if len(types) == 0 {
		return nil
	}

	values := make([]string, 0, len(types))
	args := make([]any, 0, len(types))
	for i, t := range types {
		values = append(values, fmt.Sprintf("($%d)", i+1))
		args = append(args, t)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO propolis_commentable_types (object_type) VALUES %s",
		strings.Join(values, ", ")), args...); err != nil {
		return fmt.Errorf("inserting commentable types: %w", err)
	}
	return nil
}

// Status represents the current migration state.
// Use GetStatus to check if the authorization system is properly configured.
type Status struct {
	// SchemaExists indicates if the roles.yaml file exists on disk.
	SchemaExists bool

	// RoleCount is the number of rows in propolis_roles. Zero means the
	// schema hasn't been loaded (run `propolis migrate`).
	RoleCount int64

	// RuleCount is the number of propagation rules loaded.
	RuleCount int64

	// GrantCount counts all grants; DerivedGrantCount the propagated subset.
	GrantCount        int64
	DerivedGrantCount int64

	// RelationshipCount and BucketCount size the graph and its closure
	// cache.
	RelationshipCount int64
	BucketCount       int64

	// IndexCount is the number of propolis indexes found. Expected to be at
	// least 12 after a successful migration.
	IndexCount int
}

// GetStatus returns the current migration status.
// Useful for health checks or migration diagnostics.
func (m *Migrator) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{
		SchemaExists: m.HasSchema(),
	}

	counts := []struct {
		dst   *int64
		query string
	}{
		{&status.RoleCount, "SELECT COUNT(*) FROM propolis_roles"},
		{&status.RuleCount, "SELECT COUNT(*) FROM propolis_propagated_roles"},
		{&status.GrantCount, "SELECT COUNT(*) FROM propolis_grants"},
		{&status.DerivedGrantCount, "SELECT COUNT(*) FROM propolis_grants WHERE parent_id IS NOT NULL"},
		{&status.RelationshipCount, "SELECT COUNT(*) FROM propolis_relationships"},
		{&status.BucketCount, "SELECT COUNT(*) FROM propolis_buckets"},
	}
	for _, c := range counts {
		if err := m.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, mapSchemaErr(fmt.Errorf("%s: %w", c.query, err))
		}
	}

	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pg_indexes
		WHERE indexname LIKE 'idx\_propolis\_%' OR indexname LIKE 'uq\_propolis\_%'
	`).Scan(&status.IndexCount)
	if err != nil {
		return nil, fmt.Errorf("counting propolis indexes: %w", err)
	}

	return status, nil
}
