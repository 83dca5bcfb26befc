package client

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/patrickmn/go-cache"
	"go.uber.org/atomic"

	"github.com/dan-strohschein/dbhandler/session"
)

// StatementCache keeps the prepared statements of the current session, keyed
// by a fingerprint of their SQL. Entries expire after the TTL without use.
// The cache does not run a janitor; expired entries are evicted on Put and
// closed by the goroutine holding the connection. A nil *StatementCache is a
// disabled cache.
type StatementCache struct {
	cache *cache.Cache
	ttl   time.Duration

	mu      sync.Mutex
	evicted []session.Statement

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheStats provides statement cache statistics.
type CacheStats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
}

type cachedStatement struct {
	query string
	stmt  session.Statement
}

// NewStatementCache creates a cache whose entries live for ttl after their
// last use.
func NewStatementCache(ttl time.Duration) *StatementCache {
	c := &StatementCache{cache: cache.New(ttl, 0), ttl: ttl}
	c.cache.OnEvicted(func(_ string, v interface{}) {
		c.evictions.Inc()
		c.mu.Lock()
		c.evicted = append(c.evicted, v.(cachedStatement).stmt)
		c.mu.Unlock()
	})
	return c
}

// Fingerprint is the cache key of query.
func Fingerprint(query string) string {
	return strconv.FormatUint(xxhash.Sum64String(query), 16)
}

// Get returns the cached statement for query and renews its TTL.
func (c *StatementCache) Get(query string) (session.Statement, bool) {
	if c == nil {
		return nil, false
	}
	key := Fingerprint(query)
	v, ok := c.cache.Get(key)
	if !ok || v.(cachedStatement).query != query {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	c.cache.SetDefault(key, v)
	return v.(cachedStatement).stmt, true
}

// Put caches st for query, evicting expired entries. Evicted statements and
// a statement replaced under the same key are closed.
func (c *StatementCache) Put(query string, st session.Statement) {
	if c == nil {
		return
	}
	key := Fingerprint(query)
	c.cache.DeleteExpired()
	if v, ok := c.cache.Get(key); ok && v.(cachedStatement).stmt != st {
		c.cache.Delete(key)
	}
	c.cache.SetDefault(key, cachedStatement{query: query, stmt: st})
	c.closeEvicted()
}

// Remove drops and closes the statement cached for query.
func (c *StatementCache) Remove(query string) {
	if c == nil {
		return
	}
	key := Fingerprint(query)
	if v, ok := c.cache.Get(key); ok && v.(cachedStatement).query == query {
		c.cache.Delete(key)
	}
	c.closeEvicted()
}

func (c *StatementCache) closeEvicted() {
	c.mu.Lock()
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()
	for _, st := range evicted {
		_ = st.Close()
	}
}

// drain empties the cache without closing anything and returns every
// statement it held, for the caller to close with their session.
func (c *StatementCache) drain() []session.Statement {
	if c == nil {
		return nil
	}
	c.cache.DeleteExpired()
	items := c.cache.Items()
	c.cache.Flush()

	c.mu.Lock()
	stmts := c.evicted
	c.evicted = nil
	c.mu.Unlock()
	for _, item := range items {
		stmts = append(stmts, item.Object.(cachedStatement).stmt)
	}
	return stmts
}

// Stats returns cache statistics.
func (c *StatementCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{
		Size:      c.cache.ItemCount(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
