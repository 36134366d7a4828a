package propolis

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultFanOutCap is the maximum number of derived grants one trigger may
// materialize before propagation for that trigger is abandoned and the
// trigger marked limit_exceeded.
const DefaultFanOutCap = 10000

// Engine materializes derived grants. It is stateless apart from the
// registry and safe for concurrent use; every entry point takes the caller's
// database handle so derived rows commit atomically with the triggering
// mutation.
type Engine struct {
	reg       *Registry
	fanOutCap int
	log       logrus.FieldLogger
	metrics   *Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFanOutCap overrides the maximum number of derived grants a single
// trigger may produce. Zero or negative disables the cap.
func WithFanOutCap(n int) EngineOption {
	return func(e *Engine) { e.fanOutCap = n }
}

// WithLogger sets the logger for propagation passes. Defaults to the logrus
// standard logger.
func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches Prometheus counters to the engine.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a propagation engine over a built registry.
func NewEngine(reg *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:       reg,
		fanOutCap: DefaultFanOutCap,
		log:       logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnGrantCreated derives grants for newly created direct grants. Call inside
// the transaction that inserted them, with the ids CreateGrant returned.
// Derived ids in the list are skipped; re-running for an already propagated
// grant is a no-op thanks to the grant uniqueness index.
func (e *Engine) OnGrantCreated(ctx context.Context, db Execer, grantIDs ...int64) error {
	pass := uuid.NewString()
	log := e.log.WithField("pass_id", pass)

	for _, id := range grantIDs {
		g, err := grantByID(ctx, db, id)
		if err != nil {
			return err
		}
		if !g.IsDirect() {
			log.WithField("grant_id", id).Debug("skipping derived grant as propagation trigger")
			continue
		}
		if _, err := e.propagate(ctx, db, log, g); err != nil {
			return err
		}
	}
	return nil
}

// OnRelationshipCreated extends the closure cache and derived grants across a
// newly created edge. Call inside the transaction that inserted the
// relationship.
//
// The pass finds every (rule, anchor object) pair whose walk traverses the
// new edge and re-propagates the direct grants held on those anchors; the
// inserts are idempotent, so grants already derived through other routes are
// untouched. If one endpoint is a comment and the other commentable, read
// access on the commentable object is mirrored onto the comment.
func (e *Engine) OnRelationshipCreated(ctx context.Context, db Execer, rel Relationship) error {
	pass := uuid.NewString()
	log := e.log.WithFields(logrus.Fields{
		"pass_id":         pass,
		"relationship_id": rel.ID,
	})

	if _, err := e.extendBuckets(ctx, db, rel); err != nil {
		return err
	}

	triggers, err := e.edgeTriggerObjects(ctx, db, rel)
	if err != nil {
		return err
	}

	exceeded := false
	for _, o := range triggers {
		grants, err := directGrantsOn(ctx, db, o)
		if err != nil {
			return err
		}
		for _, g := range grants {
			aborted, err := e.propagate(ctx, db, log, g)
			if err != nil {
				return err
			}
			exceeded = exceeded || aborted
		}
	}

	if exceeded {
		if _, err := db.ExecContext(ctx, `
			UPDATE propolis_relationships SET limit_exceeded = TRUE WHERE id = $1
		`, rel.ID); err != nil {
			return fmt.Errorf("marking relationship %d limit_exceeded: %w", rel.ID, err)
		}
	}

	return e.mirrorForEdge(ctx, db, log, rel)
}

// OnRelationshipDeleted retracts grants that reached through an edge. Call
// inside the deleting transaction, before Store.DeleteRelationship.
//
// Derived grants carry no relationship reference, so retraction is
// delete-and-rebuild: derived grants on every object whose derivation may
// have traversed the edge are dropped, the relationship row is deleted
// (cascading the buckets), and the survivors are re-derived from the direct
// grants still able to reach each object.
//
// The affected set is rule-driven: for every rule hop the edge matches, the
// rule's remaining hops are walked from the edge and the terminals
// collected. The bucket cache cannot serve here on its own; it records
// forward reach only, and a grant derived through a reverse hop (the up leg
// of a parent-scope rule) depends on edges no bucket row mentions. The
// doomed bucket objects are still folded in so chains cached under earlier
// rule sets are retracted too.
func (e *Engine) OnRelationshipDeleted(ctx context.Context, db Execer, rel Relationship) error {
	pass := uuid.NewString()
	log := e.log.WithFields(logrus.Fields{
		"pass_id":         pass,
		"relationship_id": rel.ID,
	})

	doomed, err := doomedBucketObjects(ctx, db, rel.ID)
	if err != nil {
		return err
	}
	reached, err := e.edgeAffectedObjects(ctx, db, rel)
	if err != nil {
		return err
	}
	affected := dedupeObjects(append(reached, doomed...))

	for _, o := range affected {
		if _, err := db.ExecContext(ctx, `
			DELETE FROM propolis_grants
			WHERE object_type = $1 AND object_id = $2 AND parent_id IS NOT NULL
		`, o.Type, o.ID); err != nil {
			return mapSchemaErr(fmt.Errorf("retracting derived grants on %s: %w", o, err))
		}
	}

	if _, err := db.ExecContext(ctx,
		`DELETE FROM propolis_relationships WHERE id = $1`, rel.ID); err != nil {
		return mapSchemaErr(fmt.Errorf("deleting relationship %d: %w", rel.ID, err))
	}

	for _, o := range affected {
		if err := e.rederive(ctx, db, log, o); err != nil {
			return err
		}
	}
	return nil
}

// RebuildAll drops every derived grant and the closure cache and rebuilds
// both from scratch: buckets edge by edge, then all direct grants, then
// comment mirroring for every comment edge. Rebuilding the cache matters as
// much as the grants; edges created before a rule existed never cached their
// chains, and edge deletion leans on the cache. Heavy; meant for
// `propolis rebuild` after rule changes, not for request paths.
func (e *Engine) RebuildAll(ctx context.Context, db Execer) error {
	pass := uuid.NewString()
	log := e.log.WithField("pass_id", pass)

	if _, err := db.ExecContext(ctx,
		`DELETE FROM propolis_grants WHERE parent_id IS NOT NULL`); err != nil {
		return mapSchemaErr(fmt.Errorf("dropping derived grants: %w", err))
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM propolis_buckets`); err != nil {
		return mapSchemaErr(fmt.Errorf("dropping closure cache: %w", err))
	}

	allRels, err := allRelationships(ctx, db)
	if err != nil {
		return err
	}
	for _, rel := range allRels {
		if _, err := e.extendBuckets(ctx, db, rel); err != nil {
			return err
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, person_id, role_id, propagated_role_id,
		       object_type, object_id, parent_id, base_id, limit_exceeded
		FROM propolis_grants
		WHERE parent_id IS NULL
		ORDER BY id
	`)
	if err != nil {
		return mapSchemaErr(fmt.Errorf("listing direct grants: %w", err))
	}
	grants, err := scanGrants(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, g := range grants {
		if _, err := e.propagate(ctx, db, log, g); err != nil {
			return err
		}
	}

	rels, err := commentEdges(ctx, db)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := e.mirrorForEdge(ctx, db, log, rel); err != nil {
			return err
		}
	}
	return nil
}

// propagate materializes the derived grants for one direct grant. Returns
// true when the fan-out cap aborted the pass; the grant is then marked
// limit_exceeded and nothing is inserted for it.
func (e *Engine) propagate(ctx context.Context, db Execer, log logrus.FieldLogger, g Grant) (bool, error) {
	role := e.reg.RoleByID(g.RoleID)
	if role == nil {
		// The grant references a role the registry has never seen, likely
		// loaded before the role was added. Skip rather than fail the
		// whole pass.
		log.WithFields(logrus.Fields{
			"grant_id": g.ID,
			"role_id":  g.RoleID,
		}).Error("grant references unknown role, skipping propagation")
		return false, nil
	}

	rules := e.reg.RulesFor(role.ID)
	if len(rules) == 0 {
		return false, nil
	}

	if e.fanOutCap > 0 {
		total := int64(0)
		for _, rule := range rules {
			n, err := e.countWalk(ctx, db, rule.Walk(), g.Object)
			if err != nil {
				return false, err
			}
			total += n
		}
		if total > int64(e.fanOutCap) {
			log.WithFields(logrus.Fields{
				"grant_id": g.ID,
				"role":     role.Name,
				"object":   g.Object.String(),
				"count":    total,
				"cap":      e.fanOutCap,
			}).Warn("fan-out limit exceeded, skipping propagation")
			e.metrics.fanOutAborted()
			if _, err := db.ExecContext(ctx, `
				UPDATE propolis_grants SET limit_exceeded = TRUE WHERE id = $1
			`, g.ID); err != nil {
				return false, fmt.Errorf("marking grant %d limit_exceeded: %w", g.ID, err)
			}
			return true, nil
		}
	}

	for _, rule := range rules {
		n, err := e.insertDerived(ctx, db, rule, g)
		if err != nil {
			return false, err
		}
		e.metrics.grantsPropagated(n)
	}

	return false, e.mirrorForPass(ctx, db, log, g, rules)
}

// rederive rebuilds the derived grants landing on one object by finding, for
// every rule terminating at the object's type, the anchors still able to
// reach it, and re-propagating their direct grants. Comment mirroring for
// the object's comments is re-applied afterwards.
func (e *Engine) rederive(ctx context.Context, db Execer, log logrus.FieldLogger, o Object) error {
	anchors := []Object{o}
	for _, role := range e.reg.Roles(true) {
		for _, rule := range e.reg.RulesFor(role.ID) {
			walk := rule.Walk()
			if walk.Terminal() != o.Type || len(walk.Hops) == 0 {
				continue
			}
			found, err := e.walkObjects(ctx, db, walk.Reversed(), o)
			if err != nil {
				return err
			}
			anchors = append(anchors, found...)
		}
	}

	for _, a := range dedupeObjects(anchors) {
		grants, err := directGrantsOn(ctx, db, a)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if _, err := e.propagate(ctx, db, log, g); err != nil {
				return err
			}
		}
	}

	if e.reg.IsCommentable(o.Type) {
		if err := e.remirrorComments(ctx, db, log, o); err != nil {
			return err
		}
	}
	return nil
}

// edgeTriggerObjects finds the objects whose direct grants a new edge can
// extend: for every rule walk, every hop matching the edge's type pair marks
// the walk's prefix; walking that prefix backwards from the matching
// endpoint yields the anchor objects. Both endpoints are always included,
// covering hops adjacent to the edge itself.
func (e *Engine) edgeTriggerObjects(ctx context.Context, db Execer, rel Relationship) ([]Object, error) {
	out := []Object{rel.Source, rel.Destination}

	for _, role := range e.reg.Roles(true) {
		for _, rule := range e.reg.RulesFor(role.ID) {
			walk := rule.Walk()
			prev := walk.Anchor
			for i, h := range walk.Hops {
				var from Object
				switch {
				case h.Dir == Forward && prev == rel.Source.Type && h.Type == rel.Destination.Type:
					from = rel.Source
				case h.Dir == Reverse && prev == rel.Destination.Type && h.Type == rel.Source.Type:
					from = rel.Destination
				default:
					prev = h.Type
					continue
				}
				prefix := Path{Anchor: walk.Anchor, Hops: walk.Hops[:i]}
				if len(prefix.Hops) == 0 {
					// The edge leaves the anchor itself; the endpoint is
					// already in the trigger set.
					prev = h.Type
					continue
				}
				found, err := e.walkObjects(ctx, db, prefix.Reversed(), from)
				if err != nil {
					return nil, err
				}
				out = append(out, found...)
				prev = h.Type
			}
		}
	}

	return dedupeObjects(out), nil
}

// edgeAffectedObjects finds the objects whose derived grants may depend on
// an edge: for every rule hop matching the edge's type pair, the rule's
// remaining hops are walked from the endpoint the hop lands on and the
// terminals collected. Derived grants live on walk terminals only, so these
// are exactly the objects a retraction pass must revisit; a chain using the
// edge at several hops is covered by each matching hop's suffix. Both
// endpoints are always included.
func (e *Engine) edgeAffectedObjects(ctx context.Context, db Execer, rel Relationship) ([]Object, error) {
	out := []Object{rel.Source, rel.Destination}

	for _, role := range e.reg.Roles(true) {
		for _, rule := range e.reg.RulesFor(role.ID) {
			walk := rule.Walk()
			prev := walk.Anchor
			for i, h := range walk.Hops {
				var landed Object
				switch {
				case h.Dir == Forward && prev == rel.Source.Type && h.Type == rel.Destination.Type:
					landed = rel.Destination
				case h.Dir == Reverse && prev == rel.Destination.Type && h.Type == rel.Source.Type:
					landed = rel.Source
				default:
					prev = h.Type
					continue
				}
				suffix := Path{Anchor: h.Type, Hops: walk.Hops[i+1:]}
				found, err := e.walkObjects(ctx, db, suffix, landed)
				if err != nil {
					return nil, err
				}
				out = append(out, found...)
				prev = h.Type
			}
		}
	}

	return dedupeObjects(out), nil
}

// walkSQL is the generated FROM/WHERE for walking a hop chain from a start
// object, one relationship join per hop.
type walkSQL struct {
	from  string
	where string
	term  string // column expression holding the terminal object id
	args  []any
}

// buildWalk generates join SQL for the hops starting at the given object.
// argIdx is the number of placeholders already consumed by the enclosing
// statement.
func buildWalk(hops []Hop, start Object, argIdx int) walkSQL {
	var w walkSQL
	next := func(v any) string {
		w.args = append(w.args, v)
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	prevType := next(start.Type)
	prevID := next(start.ID)

	var from strings.Builder
	var conds []string
	for i, h := range hops {
		alias := fmt.Sprintf("r%d", i+1)
		hopType := next(h.Type)

		var cond string
		if h.Dir == Forward {
			cond = fmt.Sprintf(
				"%s.source_type = %s AND %s.source_id = %s AND %s.destination_type = %s",
				alias, prevType, alias, prevID, alias, hopType)
			prevID = alias + ".destination_id"
		} else {
			cond = fmt.Sprintf(
				"%s.destination_type = %s AND %s.destination_id = %s AND %s.source_type = %s",
				alias, prevType, alias, prevID, alias, hopType)
			prevID = alias + ".source_id"
		}
		prevType = hopType

		if i == 0 {
			from.WriteString("propolis_relationships " + alias)
			conds = append(conds, cond)
		} else {
			from.WriteString(fmt.Sprintf(" JOIN propolis_relationships %s ON %s", alias, cond))
		}
	}

	w.from = from.String()
	w.where = strings.Join(conds, " AND ")
	w.term = prevID
	return w
}

// countWalk returns how many objects a full walk from the start object
// reaches, counting duplicates, as the fan-out cost of materializing it.
func (e *Engine) countWalk(ctx context.Context, db Querier, walk Path, start Object) (int64, error) {
	if len(walk.Hops) == 0 {
		return 0, nil
	}
	w := buildWalk(walk.Hops, start, 0)
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", w.from, w.where)

	var n int64
	if err := db.QueryRowContext(ctx, q, w.args...).Scan(&n); err != nil {
		return 0, mapSchemaErr(fmt.Errorf("counting fan-out for %s from %s: %w", walk, start, err))
	}
	return n, nil
}

// walkObjects returns the distinct objects a full walk from the start object
// lands on.
func (e *Engine) walkObjects(ctx context.Context, db Querier, walk Path, start Object) ([]Object, error) {
	if len(walk.Hops) == 0 {
		return []Object{start}, nil
	}
	w := buildWalk(walk.Hops, start, 0)
	q := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s", w.term, w.from, w.where)

	rows, err := db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("walking %s from %s: %w", walk, start, err))
	}
	defer rows.Close()

	termType := walk.Terminal()
	var out []Object
	for rows.Next() {
		o := Object{Type: termType}
		if err := rows.Scan(&o.ID); err != nil {
			return nil, fmt.Errorf("scanning walk result: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// insertDerived materializes one rule's derived grants for one direct grant
// as a single INSERT ... SELECT over the relationship joins. Conflicting
// rows, including those racing with a concurrent pass, are skipped. Returns
// the number of rows inserted.
func (e *Engine) insertDerived(ctx context.Context, db Execer, rule *PropagatedRule, g Grant) (int64, error) {
	walk := rule.Walk()
	if len(walk.Hops) == 0 {
		return 0, nil
	}

	w := buildWalk(walk.Hops, g.Object, 5)
	q := fmt.Sprintf(`
		INSERT INTO propolis_grants
			(person_id, propagated_role_id, object_type, object_id,
			 parent_id, parent_id_nn, base_id)
		SELECT DISTINCT $1, $2, $3, %s, $4, $4, $5
		FROM %s
		WHERE %s
		ON CONFLICT DO NOTHING
	`, w.term, w.from, w.where)

	args := append([]any{g.PersonID, rule.ID, walk.Terminal(), g.ID, g.ID}, w.args...)
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, nil
		}
		return 0, mapSchemaErr(fmt.Errorf("deriving grants for rule %d from grant %d: %w", rule.ID, g.ID, err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func grantByID(ctx context.Context, db Querier, id int64) (Grant, error) {
	var g Grant
	var roleID, propRoleID, parentID, baseID sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT id, person_id, role_id, propagated_role_id,
		       object_type, object_id, parent_id, base_id, limit_exceeded
		FROM propolis_grants WHERE id = $1
	`, id).Scan(&g.ID, &g.PersonID, &roleID, &propRoleID,
		&g.Object.Type, &g.Object.ID, &parentID, &baseID, &g.LimitExceeded)
	if err != nil {
		return Grant{}, mapSchemaErr(fmt.Errorf("fetching grant %d: %w", id, err))
	}
	g.RoleID = roleID.Int64
	g.PropagatedRoleID = propRoleID.Int64
	g.ParentID = parentID.Int64
	g.BaseID = baseID.Int64
	return g, nil
}

func allRelationships(ctx context.Context, db Querier) ([]Relationship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_type, source_id, destination_type, destination_id, limit_exceeded
		FROM propolis_relationships
		ORDER BY id
	`)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("listing relationships: %w", err))
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.Source.Type, &rel.Source.ID,
			&rel.Destination.Type, &rel.Destination.ID, &rel.LimitExceeded); err != nil {
			return nil, fmt.Errorf("scanning relationship: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func directGrantsOn(ctx context.Context, db Querier, o Object) ([]Grant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, person_id, role_id, propagated_role_id,
		       object_type, object_id, parent_id, base_id, limit_exceeded
		FROM propolis_grants
		WHERE object_type = $1 AND object_id = $2 AND parent_id IS NULL
		ORDER BY id
	`, o.Type, o.ID)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("listing direct grants on %s: %w", o, err))
	}
	defer rows.Close()
	return scanGrants(rows)
}

func dedupeObjects(in []Object) []Object {
	seen := make(map[Object]bool, len(in))
	out := in[:0]
	for _, o := range in {
		if seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}
