// Package clustercache holds a TTL'd, read-through snapshot of the
// last-known ClusterHealth per cluster, deduplicating concurrent
// refreshes of the same cluster with singleflight.
package clustercache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rchpc/ide-broker/internal/core"
)

// DefaultTTL is the staleness window after which Get reports
// valid=false even though an entry is still present.
const DefaultTTL = 30 * time.Minute

type entry struct {
	data    core.ClusterHealth
	storedAt time.Time
}

// Cache is the ClusterCache component (B). It is a hint only: the
// health of record for reconciliation purposes lives in SessionStore
// via the job poller; this cache exists so status-snapshot reads
// never re-query the cluster.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	group   singleflight.Group
	clock   core.Clock
}

func New(clock core.Clock) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     DefaultTTL,
		clock:   clock,
	}
}

// Get returns the cached snapshot for cluster, its age, and whether
// it is still within TTL. Unknown clusters return valid=false with
// an effectively infinite age.
func (c *Cache) Get(cluster string) (data core.ClusterHealth, age time.Duration, valid bool) {
	c.mu.RLock()
	e, ok := c.entries[cluster]
	c.mu.RUnlock()
	if !ok {
		return core.ClusterHealth{}, time.Duration(1<<63 - 1), false
	}
	age = c.clock.Now().Sub(e.storedAt)
	return e.data, age, age < c.ttl
}

// Set overwrites the cached snapshot for cluster.
func (c *Cache) Set(cluster string, data core.ClusterHealth) {
	c.mu.Lock()
	c.entries[cluster] = entry{data: data, storedAt: c.clock.Now()}
	c.mu.Unlock()
}

// Invalidate drops the cached entry for cluster, or every entry when
// cluster is empty.
func (c *Cache) Invalidate(cluster string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cluster == "" {
		c.entries = make(map[string]entry)
		return
	}
	delete(c.entries, cluster)
}

// GetOrRefresh returns the cached value if still valid, otherwise
// calls refresh at most once per cluster even under concurrent
// callers, stores the result, and returns it.
func (c *Cache) GetOrRefresh(cluster string, refresh func() (core.ClusterHealth, error)) (core.ClusterHealth, error) {
	if data, _, valid := c.Get(cluster); valid {
		return data, nil
	}

	v, err, _ := c.group.Do(cluster, func() (any, error) {
		data, err := refresh()
		if err != nil {
			return core.ClusterHealth{}, err
		}
		c.Set(cluster, data)
		return data, nil
	})
	if err != nil {
		return core.ClusterHealth{}, err
	}
	return v.(core.ClusterHealth), nil
}
