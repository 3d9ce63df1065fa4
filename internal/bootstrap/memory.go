package bootstrap

import (
	"context"
	"sync"

	"github.com/rchpc/ide-broker/internal/core"
)

// memoryPersister is the sessionstore.Persister used when
// USE_SQLITE=false, for tests and local runs that should not touch
// disk. It never errors: every operation is a bounded map mutation.
type memoryPersister struct {
	mu      sync.Mutex
	active  map[core.SessionKey]*core.Session
	history []*core.SessionHistory
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{active: make(map[core.SessionKey]*core.Session)}
}

func (m *memoryPersister) UpsertActiveSession(ctx context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.active[s.SessionKey] = &cp
	return nil
}

func (m *memoryPersister) DeleteActiveSession(ctx context.Context, key core.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, key)
	return nil
}

func (m *memoryPersister) ListActiveSessions(ctx context.Context) ([]*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Session, 0, len(m.active))
	for _, s := range m.active {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryPersister) InsertSessionHistory(ctx context.Context, h *core.SessionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *memoryPersister) ListSessionHistory(ctx context.Context, f core.HistoryFilters) ([]*core.SessionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.SessionHistory
	for _, h := range m.history {
		if f.User != "" && h.User != f.User {
			continue
		}
		if f.Cluster != "" && h.Cluster != f.Cluster {
			continue
		}
		if f.IDE != "" && h.IDE != f.IDE {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *memoryPersister) CountSessionHistory(ctx context.Context, f core.HistoryFilters) (int, error) {
	rows, _ := m.ListSessionHistory(ctx, f)
	return len(rows), nil
}

// memoryAppState is the statemanager.AppStatePersister counterpart to
// memoryPersister.
type memoryAppState struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemoryAppState() *memoryAppState {
	return &memoryAppState{vals: make(map[string]string)}
}

func (m *memoryAppState) GetAppState(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *memoryAppState) SetAppState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}
