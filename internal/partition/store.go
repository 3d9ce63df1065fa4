// Package partition holds parsed SLURM partition limits and the
// refresher that keeps them current by querying each cluster over
// SSHQueue.
package partition

import (
	"sort"
	"sync"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
)

type key struct {
	cluster, partition string
}

// Store is the PartitionStore component (D): a composite-keyed table
// of the latest parsed limits per (cluster, partition).
type Store struct {
	mu    sync.RWMutex
	rows  map[key]core.PartitionLimits
	clock core.Clock
}

func NewStore(clock core.Clock) *Store {
	return &Store{rows: make(map[key]core.PartitionLimits), clock: clock}
}

// Upsert inserts or overwrites the limits for (cluster, name),
// stamping UpdatedAt with the current time.
func (s *Store) Upsert(cluster, name string, limits core.PartitionLimits) {
	limits.Cluster = cluster
	limits.Partition = name
	limits.UpdatedAt = s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key{cluster, name}] = limits
}

// Get returns the limits for one partition, or ok=false if unknown.
func (s *Store) Get(cluster, name string) (core.PartitionLimits, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.rows[key{cluster, name}]
	return l, ok
}

// ListForCluster returns every known partition for cluster, sorted by
// name for deterministic iteration.
func (s *Store) ListForCluster(cluster string) []core.PartitionLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.PartitionLimits
	for k, v := range s.rows {
		if k.cluster == cluster {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// ListAll returns every known partition across every cluster, sorted
// by (cluster, partition).
func (s *Store) ListAll() []core.PartitionLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.PartitionLimits, 0, len(s.rows))
	for _, v := range s.rows {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cluster != out[j].Cluster {
			return out[i].Cluster < out[j].Cluster
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// DeleteStale removes every row for cluster whose partition name is
// not in keep, so partitions that disappeared from SLURM's view no
// longer linger in the store. Called only after a successful refresh;
// a failed refresh must leave existing rows untouched.
func (s *Store) DeleteStale(cluster string, keep map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rows {
		if k.cluster == cluster {
			if _, ok := keep[k.partition]; !ok {
				delete(s.rows, k)
			}
		}
	}
}

// LastUpdated returns the most recent UpdatedAt across cluster's
// partitions, or the zero time if cluster is empty and there are no
// rows at all, or if cluster is named but has none.
func (s *Store) LastUpdated(cluster string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for k, v := range s.rows {
		if cluster != "" && k.cluster != cluster {
			continue
		}
		if v.UpdatedAt.After(latest) {
			latest = v.UpdatedAt
		}
	}
	return latest
}

// Default returns cluster's default partition, or ok=false if none is
// marked default.
func (s *Store) Default(cluster string) (core.PartitionLimits, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.rows {
		if k.cluster == cluster && v.IsDefault {
			return v, true
		}
	}
	return core.PartitionLimits{}, false
}
