package propolis

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// checkKey uniquely identifies a permission check. The cache is exact-match
// only.
type checkKey struct {
	PersonID int64
	Action   Action
	Object   Object
}

// Cache stores permission check results. It must be safe for concurrent use.
//
// Only settled checks are cached; errors are never stored, so a transient
// database failure cannot pin a wrong answer. Both allowed and denied results
// are cached, which keeps repeated checks of denied access off the database.
type Cache interface {
	// Get retrieves a cached result. ok is false when the entry does not
	// exist or has expired.
	Get(personID int64, action Action, object Object) (allowed bool, ok bool)

	// Set stores a check result.
	Set(personID int64, action Action, object Object, allowed bool)
}

// LRUCache is a bounded in-memory Cache with TTL expiry, suitable as a
// process-wide check cache. Entries are evicted when the cache is full or
// their TTL elapses.
//
// Choose TTL based on how quickly revocations must be observed: the cache
// can answer allowed for up to TTL after a grant is revoked.
type LRUCache struct {
	lru *expirable.LRU[checkKey, bool]
}

// NewCache creates an LRU check cache holding up to size entries for at most
// ttl each. A ttl of 0 means entries only leave by LRU eviction.
func NewCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		lru: expirable.NewLRU[checkKey, bool](size, nil, ttl),
	}
}

// Get implements Cache.
func (c *LRUCache) Get(personID int64, action Action, object Object) (bool, bool) {
	return c.lru.Get(checkKey{PersonID: personID, Action: action, Object: object})
}

// Set implements Cache.
func (c *LRUCache) Set(personID int64, action Action, object Object, allowed bool) {
	c.lru.Add(checkKey{PersonID: personID, Action: action, Object: object}, allowed)
}
