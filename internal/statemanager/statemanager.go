// Package statemanager binds the other components together: it owns
// the cooperative operation locks, drives the start-up load/reconcile
// pipeline, caches per-user SLURM accounts, and fans out session
// terminations (including reconcile-driven ones) to TunnelManager and
// ProxyRegistry through a single callback.
package statemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/sessionstore"
)

// AppStatePersister is the narrow key-value persistence port used
// for the ActiveSession pointer ("activeSession") and any other
// recognised app_state keys (e.g. "known_hosts").
type AppStatePersister interface {
	GetAppState(ctx context.Context, key string) (value string, ok bool, err error)
	SetAppState(ctx context.Context, key, value string) error
}

// JobStatusFunc reports whether jobID is in a terminal state on
// cluster, used only during start-up reconciliation. Injecting this
// single function (rather than the whole SSHQueue/poller graph) keeps
// StateManager's dependency graph acyclic, mirroring how the
// partition refresher takes a minimal SSH executor.
type JobStatusFunc func(ctx context.Context, cluster, jobID string) (terminal bool, err error)

// AccountFetchFunc looks up user's default SLURM account on cluster.
type AccountFetchFunc func(ctx context.Context, cluster, user string) (account string, err error)

// SessionClearedListener is notified once a session is cleared,
// whether by explicit user action, the job poller, the idle reaper,
// or start-up reconciliation.
type SessionClearedListener func(key core.SessionKey, history *core.SessionHistory)

// Manager is the StateManager component (F).
type Manager struct {
	sessions    *sessionstore.Store
	appState    AppStatePersister
	jobStatus   JobStatusFunc
	fetchAcct   AccountFetchFunc
	clock       core.Clock
	log         *slog.Logger
	clusters    []string

	locksMu sync.Mutex
	locks   map[string]time.Time

	listenersMu sync.Mutex
	listeners   []SessionClearedListener

	acctMu   sync.Mutex
	accounts map[string]core.UserAccount

	activeMu sync.RWMutex
	active   *core.ActiveSessionPointer

	readyMu sync.RWMutex
	ready   bool
}

func New(
	sessions *sessionstore.Store,
	appState AppStatePersister,
	jobStatus JobStatusFunc,
	fetchAcct AccountFetchFunc,
	clock core.Clock,
	clusters []string,
	log *slog.Logger,
) *Manager {
	return &Manager{
		sessions:  sessions,
		appState:  appState,
		jobStatus: jobStatus,
		fetchAcct: fetchAcct,
		clock:     clock,
		clusters:  clusters,
		log:       log.With("component", "statemanager"),
		locks:     make(map[string]time.Time),
		accounts:  make(map[string]core.UserAccount),
	}
}

// OnSessionCleared registers a listener invoked after every session
// termination.
func (m *Manager) OnSessionCleared(fn SessionClearedListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ClearSession clears key through the session store and fans the
// result out to every registered listener. All components that end a
// session (JobPoller, IdleReaper, user-initiated stop, reconciliation)
// go through this single path.
func (m *Manager) ClearSession(ctx context.Context, key core.SessionKey, opts sessionstore.ClearOptions) error {
	history, err := m.sessions.Clear(ctx, key, opts)
	if err != nil {
		return err
	}

	m.activeMu.Lock()
	if m.active != nil && core.NewSessionKey(m.active.User, m.active.Cluster, m.active.IDE) == key {
		m.active = nil
		m.persistActivePointer(ctx)
	}
	m.activeMu.Unlock()

	m.listenersMu.Lock()
	listeners := append([]SessionClearedListener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(key, history)
	}
	return nil
}

// Acquire takes the named cooperative operation lock (e.g.
// "launch:"+sessionKey), failing with ErrLockBusy if already held.
// Locks are per-process, non-reentrant, and only ever scope
// launch/stop pipelines, never ordinary reads.
func (m *Manager) Acquire(op string) error {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if _, held := m.locks[op]; held {
		return core.ErrLockBusy(op)
	}
	m.locks[op] = m.clock.Now()
	return nil
}

// Release drops the named lock; it is idempotent.
func (m *Manager) Release(op string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, op)
}

// SetActiveSession updates the ActiveSession pointer and persists it.
func (m *Manager) SetActiveSession(ctx context.Context, ptr *core.ActiveSessionPointer) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	m.active = ptr
	m.persistActivePointer(ctx)
}

// ActiveSession returns the current ActiveSession pointer, or nil.
func (m *Manager) ActiveSession() *core.ActiveSessionPointer {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	if m.active == nil {
		return nil
	}
	cp := *m.active
	return &cp
}

func (m *Manager) persistActivePointer(ctx context.Context) {
	if m.active == nil {
		if err := m.appState.SetAppState(ctx, "activeSession", ""); err != nil {
			m.log.Warn("persist active session pointer failed", "error", err)
		}
		return
	}
	value := fmt.Sprintf("%s\x1f%s\x1f%s", m.active.User, m.active.Cluster, m.active.IDE)
	if err := m.appState.SetAppState(ctx, "activeSession", value); err != nil {
		m.log.Warn("persist active session pointer failed", "error", err)
	}
}

// FetchUserAccount returns user's cached SLURM account, querying the
// first configured cluster and caching the result for the remainder
// of the process lifetime on first lookup.
func (m *Manager) FetchUserAccount(ctx context.Context, user string) (string, error) {
	m.acctMu.Lock()
	if cached, ok := m.accounts[user]; ok {
		m.acctMu.Unlock()
		return cached.Account, nil
	}
	m.acctMu.Unlock()

	if len(m.clusters) == 0 {
		return "", core.NewDomainError(core.ErrorCodeUnexpected, "no clusters configured", nil)
	}
	account, err := m.fetchAcct(ctx, m.clusters[0], user)
	if err != nil {
		return "", core.NewDomainError(core.ErrorCodeSsh, "fetch user account", err)
	}

	m.acctMu.Lock()
	m.accounts[user] = core.UserAccount{User: user, Account: account, FetchedAt: m.clock.Now()}
	m.acctMu.Unlock()
	return account, nil
}

// Ready reports whether Load has completed.
func (m *Manager) Ready() bool {
	m.readyMu.RLock()
	defer m.readyMu.RUnlock()
	return m.ready
}
