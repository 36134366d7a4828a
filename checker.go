package propolis

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// schemaValidation holds the process-wide validation state.
// Validation runs once per process on the first NewChecker call.
var schemaValidation struct {
	once sync.Once
	done bool
}

// validateSchema performs one-time schema validation on first Checker
// creation. It checks for common configuration issues and logs warnings
// (does not fail), so setup problems surface early without blocking
// application startup.
func validateSchema(q Querier) {
	schemaValidation.once.Do(func() {
		ctx := context.Background()

		var count int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM propolis_roles").Scan(&count)
		if err != nil {
			if sqlState(err) == pgUndefinedTable {
				logrus.Warn("propolis tables not found. Run 'propolis migrate' to create them.")
			} else {
				logrus.WithError(err).Warn("error checking propolis_roles")
			}
			schemaValidation.done = true
			return
		}

		if count == 0 {
			logrus.Warn("propolis_roles is empty. Run 'propolis migrate' to load your schema.")
		}
		schemaValidation.done = true
	})
}

// Decision short-circuits permission checks before the cache and the
// database. Admin tools and tests use it to force an answer without rows
// backing it; the zero value leaves checks untouched.
type Decision int

const (
	// DecisionUnset performs the normal grant table check.
	DecisionUnset Decision = iota

	// DecisionAllow answers every check with true.
	DecisionAllow

	// DecisionDeny answers every check with false and empties listings.
	DecisionDeny
)

type decisionCtxKey struct{}

// WithDecisionContext attaches a decision to the context. Checkers ignore it
// unless built with WithContextDecision; prefer the WithDecision option when
// the Checker is in reach, and the context form when the override has to
// cross layers that never see one.
func WithDecisionContext(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, d)
}

// GetDecisionContext returns the decision attached to the context, or
// DecisionUnset.
func GetDecisionContext(ctx context.Context) Decision {
	d, _ := ctx.Value(decisionCtxKey{}).(Decision)
	return d
}

// Checker answers permission questions from the materialized grant table.
// A person may act on an object when some grant of theirs on that object
// carries the action's bit, through either its base role or its propagated
// rule.
//
// Checkers are lightweight and safe to create per-request. The database
// handle can be *sql.DB, *sql.Tx, or *sql.Conn, so checks inside a
// transaction see its uncommitted grants.
//
// Denied access is (false, nil); errors mean the check could not be
// evaluated.
type Checker struct {
	q                  Querier
	cache              Cache
	decision           Decision
	useContextDecision bool
	metrics            *Metrics
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCache enables caching for permission check results.
// Caching is safe across goroutines but scoped to a single Checker instance.
// For request-scoped caching, create a new Checker per request with a
// request-scoped cache.
func WithCache(c Cache) CheckerOption {
	return func(ch *Checker) {
		ch.cache = c
	}
}

// WithDecision sets a decision override that bypasses database checks.
// Use DecisionAllow for admin tools or testing authorized paths.
// Use DecisionDeny for testing unauthorized paths.
// This is intentionally separate from context-based overrides to make the
// bypass explicit at Checker construction time.
func WithDecision(d Decision) CheckerOption {
	return func(ch *Checker) {
		ch.decision = d
	}
}

// WithContextDecision enables context-based decision overrides. When
// enabled, Check consults GetDecisionContext(ctx) before the checker-level
// decision and the database.
//
// By default, context decisions are NOT consulted. This opt-in design
// ensures explicit control over when context can override authorization.
func WithContextDecision() CheckerOption {
	return func(ch *Checker) {
		ch.useContextDecision = true
	}
}

// WithCheckerMetrics attaches Prometheus counters to the checker.
func WithCheckerMetrics(m *Metrics) CheckerOption {
	return func(ch *Checker) {
		ch.metrics = m
	}
}

// NewChecker creates a checker over *sql.DB, *sql.Tx, or *sql.Conn.
//
// On the first call with a non-nil Querier, NewChecker validates the schema
// (once per process). Validation issues are logged as warnings but do not
// prevent Checker creation, so applications can start before the tables are
// migrated.
func NewChecker(q Querier, opts ...CheckerOption) *Checker {
	c := &Checker{
		q:        q,
		decision: DecisionUnset,
	}
	for _, opt := range opts {
		opt(c)
	}

	if q != nil {
		validateSchema(q)
	}

	return c
}

// permissionColumn maps an action to its grant table column. The returned
// name is interpolated into SQL, so it must come from this fixed map.
func permissionColumn(a Action) (string, error) {
	switch a {
	case ActionRead:
		return "can_read", nil
	case ActionUpdate:
		return "can_update", nil
	case ActionDelete:
		return "can_delete", nil
	}
	return "", fmt.Errorf("unknown action %q", a)
}

// Check returns true if the person may perform the action on the object.
//
// Example:
//
//	ok, err := checker.Check(ctx, personID, propolis.ActionRead, control)
//
// Results are cached by (person, action, object) when a cache is configured;
// errors are never cached. Decision overrides short-circuit before cache and
// database.
func (c *Checker) Check(ctx context.Context, personID int64, action Action, object ObjectLike) (bool, error) {
	if c.useContextDecision {
		if d := GetDecisionContext(ctx); d != DecisionUnset {
			return d == DecisionAllow, nil
		}
	}
	if c.decision != DecisionUnset {
		return c.decision == DecisionAllow, nil
	}

	o := object.ACLObject()

	if c.cache != nil {
		if allowed, ok := c.cache.Get(personID, action, o); ok {
			c.metrics.checkCacheHit()
			return allowed, nil
		}
		c.metrics.checkCacheMiss()
	}

	allowed, err := c.checkPermission(ctx, personID, action, o)
	if err != nil {
		return false, err
	}

	c.metrics.checkAnswered(allowed)
	if c.cache != nil {
		c.cache.Set(personID, action, o, allowed)
	}
	return allowed, nil
}

func (c *Checker) checkPermission(ctx context.Context, personID int64, action Action, o Object) (bool, error) {
	col, err := permissionColumn(action)
	if err != nil {
		return false, err
	}

	q := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1
			FROM propolis_grants g
			LEFT JOIN propolis_roles r ON r.id = g.role_id
			LEFT JOIN propolis_propagated_roles pr ON pr.id = g.propagated_role_id
			WHERE g.person_id = $1 AND g.object_type = $2 AND g.object_id = $3
			  AND (COALESCE(r.%s, FALSE) OR COALESCE(pr.%s, FALSE))
		)
	`, col, col)

	var allowed bool
	if err := c.q.QueryRowContext(ctx, q, personID, o.Type, o.ID).Scan(&allowed); err != nil {
		return false, mapSchemaErr(fmt.Errorf("checking %s on %s: %w", action, o, err))
	}
	return allowed, nil
}

// PermissionsFor returns the union of the person's permission bits on the
// object across all their grants.
func (c *Checker) PermissionsFor(ctx context.Context, personID int64, object ObjectLike) (Permissions, error) {
	o := object.ACLObject()

	var p Permissions
	err := c.q.QueryRowContext(ctx, `
		SELECT COALESCE(BOOL_OR(COALESCE(r.can_read, FALSE) OR COALESCE(pr.can_read, FALSE)), FALSE),
		       COALESCE(BOOL_OR(COALESCE(r.can_update, FALSE) OR COALESCE(pr.can_update, FALSE)), FALSE),
		       COALESCE(BOOL_OR(COALESCE(r.can_delete, FALSE) OR COALESCE(pr.can_delete, FALSE)), FALSE)
		FROM propolis_grants g
		LEFT JOIN propolis_roles r ON r.id = g.role_id
		LEFT JOIN propolis_propagated_roles pr ON pr.id = g.propagated_role_id
		WHERE g.person_id = $1 AND g.object_type = $2 AND g.object_id = $3
	`, personID, o.Type, o.ID).Scan(&p.Read, &p.Update, &p.Delete)
	if err != nil {
		return Permissions{}, mapSchemaErr(fmt.Errorf("summarizing permissions on %s: %w", o, err))
	}
	return p, nil
}

// ListPeople returns the ids of everyone who may perform the action on the
// object, ascending.
//
// This method does not use the permission cache because it returns a list
// rather than a single boolean result.
func (c *Checker) ListPeople(ctx context.Context, action Action, object ObjectLike) ([]int64, error) {
	col, err := permissionColumn(action)
	if err != nil {
		return nil, err
	}
	o := object.ACLObject()

	q := fmt.Sprintf(`
		SELECT DISTINCT g.person_id
		FROM propolis_grants g
		LEFT JOIN propolis_roles r ON r.id = g.role_id
		LEFT JOIN propolis_propagated_roles pr ON pr.id = g.propagated_role_id
		WHERE g.object_type = $1 AND g.object_id = $2
		  AND (COALESCE(r.%s, FALSE) OR COALESCE(pr.%s, FALSE))
		ORDER BY g.person_id
	`, col, col)

	return c.queryIDs(ctx, q, o.Type, o.ID)
}

// ListObjects returns the ids of objects of the given type the person may
// perform the action on, ascending.
//
// Decision overrides: deny returns an empty list; allow falls through to
// the database because "all objects" cannot be enumerated from grants
// alone.
func (c *Checker) ListObjects(ctx context.Context, personID int64, action Action, objectType ObjectType) ([]int64, error) {
	if c.useContextDecision {
		if d := GetDecisionContext(ctx); d == DecisionDeny {
			return nil, nil
		}
	}
	if c.decision == DecisionDeny {
		return nil, nil
	}

	col, err := permissionColumn(action)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT DISTINCT g.object_id
		FROM propolis_grants g
		LEFT JOIN propolis_roles r ON r.id = g.role_id
		LEFT JOIN propolis_propagated_roles pr ON pr.id = g.propagated_role_id
		WHERE g.person_id = $1 AND g.object_type = $2
		  AND (COALESCE(r.%s, FALSE) OR COALESCE(pr.%s, FALSE))
		ORDER BY g.object_id
	`, col, col)

	return c.queryIDs(ctx, q, personID, objectType)
}

func (c *Checker) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("listing ids: %w", err))
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
