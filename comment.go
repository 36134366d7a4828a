package propolis

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Comment ACL mirroring. Attaching a comment to a commentable object gives
// everyone who can read the object a CommentReader grant on the comment,
// each mirrored grant parented to the grant it was copied from so revoking
// the source cascades to the mirror. Mirroring is driven by relationship
// hooks; there is no separate entry point.

// mirrorForEdge applies comment mirroring when the edge attaches a comment
// to a commentable object, in either orientation. Edges not involving a
// comment are ignored.
func (e *Engine) mirrorForEdge(ctx context.Context, db Execer, log logrus.FieldLogger, rel Relationship) error {
	var comment, obj Object
	switch {
	case rel.Source.Type == TypeComment && e.reg.IsCommentable(rel.Destination.Type):
		comment, obj = rel.Source, rel.Destination
	case rel.Destination.Type == TypeComment && e.reg.IsCommentable(rel.Source.Type):
		comment, obj = rel.Destination, rel.Source
	default:
		return nil
	}
	return e.mirrorComments(ctx, db, log, comment, obj)
}

// mirrorComments copies the read-capable grants on obj onto the comment as
// CommentReader grants. A person holding read through several grants gets
// one mirror per source grant; each lives and dies with its own source.
func (e *Engine) mirrorComments(ctx context.Context, db Execer, log logrus.FieldLogger, comment, obj Object) error {
	reader, err := e.reg.BaseRole(TypeComment, CommentReaderRole)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO propolis_grants
			(person_id, role_id, object_type, object_id,
			 parent_id, parent_id_nn, base_id)
		SELECT DISTINCT g.person_id, $1, $2, $3, g.id, g.id, COALESCE(g.base_id, g.id)
		FROM propolis_grants g
		LEFT JOIN propolis_roles r ON r.id = g.role_id
		LEFT JOIN propolis_propagated_roles pr ON pr.id = g.propagated_role_id
		WHERE g.object_type = $4 AND g.object_id = $5
		  AND (COALESCE(r.can_read, FALSE) OR COALESCE(pr.can_read, FALSE))
		ON CONFLICT DO NOTHING
	`, reader.ID, TypeComment, comment.ID, obj.Type, obj.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return mapSchemaErr(fmt.Errorf("mirroring grants from %s onto %s: %w", obj, comment, err))
	}

	if n, _ := res.RowsAffected(); n > 0 {
		e.metrics.grantsPropagated(n)
		log.WithFields(logrus.Fields{
			"comment": comment.String(),
			"object":  obj.String(),
			"grants":  n,
		}).Debug("mirrored comment grants")
	}
	return nil
}

// mirrorForPass re-applies mirroring for the commentable objects a
// propagation pass granted read on: the trigger grant's own object and every
// commentable rule terminal it reached. Without this, a grant created after a
// comment was attached would never reach the comment.
func (e *Engine) mirrorForPass(ctx context.Context, db Execer, log logrus.FieldLogger, g Grant, rules []*PropagatedRule) error {
	if e.reg.IsCommentable(g.Object.Type) {
		if err := e.remirrorComments(ctx, db, log, g.Object); err != nil {
			return err
		}
	}
	for _, rule := range rules {
		walk := rule.Walk()
		if len(walk.Hops) == 0 || !e.reg.IsCommentable(walk.Terminal()) {
			continue
		}
		reached, err := e.walkObjects(ctx, db, walk, g.Object)
		if err != nil {
			return err
		}
		for _, o := range reached {
			if err := e.remirrorComments(ctx, db, log, o); err != nil {
				return err
			}
		}
	}
	return nil
}

// remirrorComments re-applies mirroring for every comment attached to an
// object, after the object's own grants were rebuilt.
func (e *Engine) remirrorComments(ctx context.Context, db Execer, log logrus.FieldLogger, obj Object) error {
	rows, err := db.QueryContext(ctx, `
		SELECT source_type, source_id, destination_type, destination_id
		FROM propolis_relationships
		WHERE (source_type = $1 AND source_id = $2 AND destination_type = $3)
		   OR (destination_type = $1 AND destination_id = $2 AND source_type = $3)
	`, obj.Type, obj.ID, TypeComment)
	if err != nil {
		return mapSchemaErr(fmt.Errorf("listing comments on %s: %w", obj, err))
	}
	defer rows.Close()

	var comments []Object
	for rows.Next() {
		var src, dst Object
		if err := rows.Scan(&src.Type, &src.ID, &dst.Type, &dst.ID); err != nil {
			return fmt.Errorf("scanning comment edge: %w", err)
		}
		if src.Type == TypeComment {
			comments = append(comments, src)
		} else {
			comments = append(comments, dst)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range comments {
		if err := e.mirrorComments(ctx, db, log, c, obj); err != nil {
			return err
		}
	}
	return nil
}

// commentEdges lists every relationship with a comment endpoint, for full
// rebuilds.
func commentEdges(ctx context.Context, db Querier) ([]Relationship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_type, source_id, destination_type, destination_id, limit_exceeded
		FROM propolis_relationships
		WHERE source_type = $1 OR destination_type = $1
		ORDER BY id
	`, TypeComment)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("listing comment edges: %w", err))
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.Source.Type, &rel.Source.ID,
			&rel.Destination.Type, &rel.Destination.ID, &rel.LimitExceeded); err != nil {
			return nil, fmt.Errorf("scanning comment edge: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
