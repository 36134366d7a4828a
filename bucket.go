package propolis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Bucket is one row of the relationship closure cache: the scoped object is
// reachable from the key object through a chain of forward edges that at
// least one propagation rule can traverse. Path records the type chain for
// diagnostics ("Program->Audit->Assessment").
//
// Every row points at the first relationship of its chain and, for chains
// longer than one edge, at the bucket covering the rest of the chain.
// Deleting any relationship on the chain therefore cascades the row away:
// either directly through the relationship FK, or through the parent bucket
// chain collapsing underneath it.
type Bucket struct {
	ID     int64
	Key    Object
	Scoped Object

	// ParentRelationshipID is the first edge of the chain (key object to its
	// immediate successor).
	ParentRelationshipID int64

	// ParentBucketID is the bucket for the remainder of the chain, zero when
	// the chain is a single edge.
	ParentBucketID int64

	Path string
}

// bucketsByKey returns the bucket rows keyed by the given object: everything
// reachable downward from it.
func bucketsByKey(ctx context.Context, db Querier, o Object) ([]Bucket, error) {
	return queryBuckets(ctx, db, `
		SELECT id, key_obj_type, key_obj_id, scoped_obj_type, scoped_obj_id,
		       parent_relationship_id, COALESCE(parent_bucket_id, 0), path
		FROM propolis_buckets
		WHERE key_obj_type = $1 AND key_obj_id = $2
		ORDER BY id
	`, o.Type, o.ID)
}

// bucketsByScoped returns the bucket rows whose scoped object is the given
// one: every ancestor that reaches it.
func bucketsByScoped(ctx context.Context, db Querier, o Object) ([]Bucket, error) {
	return queryBuckets(ctx, db, `
		SELECT id, key_obj_type, key_obj_id, scoped_obj_type, scoped_obj_id,
		       parent_relationship_id, COALESCE(parent_bucket_id, 0), path
		FROM propolis_buckets
		WHERE scoped_obj_type = $1 AND scoped_obj_id = $2
		ORDER BY id
	`, o.Type, o.ID)
}

func queryBuckets(ctx context.Context, db Querier, query string, args ...any) ([]Bucket, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("querying buckets: %w", err))
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.ID, &b.Key.Type, &b.Key.ID,
			&b.Scoped.Type, &b.Scoped.ID,
			&b.ParentRelationshipID, &b.ParentBucketID, &b.Path); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading buckets: %w", err)
	}
	return out, nil
}

// upsertBucket inserts one bucket row, returning the existing row's id when
// an identical chain was already cached by a concurrent or earlier pass.
func upsertBucket(ctx context.Context, db Execer, b Bucket) (int64, error) {
	parentBucket := sql.NullInt64{Int64: b.ParentBucketID, Valid: b.ParentBucketID != 0}

	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO propolis_buckets
			(key_obj_type, key_obj_id, scoped_obj_type, scoped_obj_id,
			 parent_relationship_id, parent_bucket_id, path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, b.Key.Type, b.Key.ID, b.Scoped.Type, b.Scoped.ID,
		b.ParentRelationshipID, parentBucket, b.Path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = db.QueryRowContext(ctx, `
			SELECT id FROM propolis_buckets
			WHERE key_obj_type = $1 AND key_obj_id = $2
			  AND scoped_obj_type = $3 AND scoped_obj_id = $4
			  AND parent_relationship_id = $5
			  AND COALESCE(parent_bucket_id, 0) = $6
		`, b.Key.Type, b.Key.ID, b.Scoped.Type, b.Scoped.ID,
			b.ParentRelationshipID, b.ParentBucketID).Scan(&id)
	}
	if err != nil {
		return 0, mapSchemaErr(fmt.Errorf("inserting bucket %s => %s: %w", b.Key, b.Scoped, err))
	}
	return id, nil
}

// extendBuckets updates the closure cache for a newly created relationship.
// Every chain that traverses the new edge is a prefix (ending at the source)
// joined to a suffix (starting at the destination), so the new rows are the
// cross product of the source's ancestors and the destination's reach,
// filtered by the registry's scope sets. Returns the created rows.
//
// Rows are created bottom-up so that each ancestor level can point its
// parent_bucket at the level below, preserving the cascade invariant
// described on Bucket.
func (e *Engine) extendBuckets(ctx context.Context, db Execer, rel Relationship) ([]Bucket, error) {
	src, dst := rel.Source, rel.Destination
	if !e.reg.InScope(src.Type, dst.Type) {
		// No rule's down walk traverses this edge; nothing to cache.
		return nil, nil
	}

	suffix, err := bucketsByKey(ctx, db, dst)
	if err != nil {
		return nil, err
	}
	ancestors, err := bucketsByScoped(ctx, db, src)
	if err != nil {
		return nil, err
	}

	var created []Bucket

	// targets maps the suffix bucket id (0 for the destination itself) to
	// the row created at the previous level, which the next level up chains
	// its parent_bucket to.
	insertLevel := func(key Object, firstRel int64, targets map[int64]Bucket) (map[int64]Bucket, error) {
		next := make(map[int64]Bucket, len(targets))
		for _, suffixID := range sortedKeys(targets) {
			below := targets[suffixID]
			if !e.reg.InScope(key.Type, below.Scoped.Type) {
				continue
			}
			nb := Bucket{
				Key:                  key,
				Scoped:               below.Scoped,
				ParentRelationshipID: firstRel,
				ParentBucketID:       below.ID,
				Path:                 string(key.Type) + "->" + below.Path,
			}
			if nb.ID, err = upsertBucket(ctx, db, nb); err != nil {
				return nil, err
			}
			created = append(created, nb)
			next[suffixID] = nb
		}
		return next, nil
	}

	// Seed level: the destination itself plus its cached reach, keyed by the
	// source. The destination has no suffix bucket; give it id 0 and a
	// zero ParentBucketID so the source-level row chains straight to rel.
	seed := map[int64]Bucket{
		0: {Scoped: dst, Path: string(dst.Type)},
	}
	for _, b := range suffix {
		seed[b.ID] = b
	}
	level, err := insertLevel(src, rel.ID, seed)
	if err != nil {
		return nil, err
	}

	// Ancestor levels, nearest first. An ancestor row (K, src) whose parent
	// bucket is another (·, src) row sits one level further out; its new
	// rows chain to the rows created for that nearer ancestor.
	byParent := map[int64][]Bucket{}
	for _, a := range ancestors {
		byParent[a.ParentBucketID] = append(byParent[a.ParentBucketID], a)
	}
	type frontier struct {
		anc   Bucket
		below map[int64]Bucket
	}
	queue := make([]frontier, 0, len(byParent[0]))
	for _, a := range byParent[0] {
		queue = append(queue, frontier{anc: a, below: level})
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		lvl, err := insertLevel(f.anc.Key, f.anc.ParentRelationshipID, f.below)
		if err != nil {
			return nil, err
		}
		if len(lvl) == 0 {
			continue
		}
		for _, a := range byParent[f.anc.ID] {
			queue = append(queue, frontier{anc: a, below: lvl})
		}
	}

	e.metrics.bucketsCreated(int64(len(created)))
	return created, nil
}

func sortedKeys(m map[int64]Bucket) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// doomedBucketObjects returns the scoped objects of every bucket row that
// will cascade away when the given relationship is deleted: rows anchored on
// the relationship itself plus everything chained above them.
func doomedBucketObjects(ctx context.Context, db Querier, relID int64) ([]Object, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE doomed AS (
			SELECT id, scoped_obj_type, scoped_obj_id
			FROM propolis_buckets
			WHERE parent_relationship_id = $1
			UNION
			SELECT b.id, b.scoped_obj_type, b.scoped_obj_id
			FROM propolis_buckets b
			JOIN doomed d ON b.parent_bucket_id = d.id
		)
		SELECT DISTINCT scoped_obj_type, scoped_obj_id FROM doomed
	`, relID)
	if err != nil {
		return nil, mapSchemaErr(fmt.Errorf("collecting buckets for relationship %d: %w", relID, err))
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Type, &o.ID); err != nil {
			return nil, fmt.Errorf("scanning doomed bucket: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// BucketsFor returns the closure cache rows keyed by an object, ordered by
// path then id. Diagnostics and tests only; propagation reads buckets
// internally.
func (s *Store) BucketsFor(ctx context.Context, db Querier, obj ObjectLike) ([]Bucket, error) {
	buckets, err := bucketsByKey(ctx, db, obj.ACLObject())
	if err != nil {
		return nil, err
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Path != buckets[j].Path {
			return strings.Compare(buckets[i].Path, buckets[j].Path) < 0
		}
		return buckets[i].ID < buckets[j].ID
	})
	return buckets, nil
}
