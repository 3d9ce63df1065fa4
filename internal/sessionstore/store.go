// Package sessionstore holds the composite-keyed table of active
// sessions plus the archived session history, kept in memory and
// written through to a Persister on every mutation.
package sessionstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rchpc/ide-broker/internal/core"
)

// Persister is the narrow slice of the persistent store this
// component needs. The concrete adapter (internal/store) implements
// it; tests use an in-memory fake.
type Persister interface {
	UpsertActiveSession(ctx context.Context, s *core.Session) error
	DeleteActiveSession(ctx context.Context, key core.SessionKey) error
	ListActiveSessions(ctx context.Context) ([]*core.Session, error)
	InsertSessionHistory(ctx context.Context, h *core.SessionHistory) error
	ListSessionHistory(ctx context.Context, f core.HistoryFilters) ([]*core.SessionHistory, error)
	CountSessionHistory(ctx context.Context, f core.HistoryFilters) (int, error)
}

// ClearOptions configures SessionStore.Clear.
type ClearOptions struct {
	EndReason core.EndReason // defaults to EndReasonCompleted when zero
	ErrorMsg  string
}

// Store is the SessionStore component (E): the exclusive owner of
// Session records. Every other component reads sessions through its
// accessors rather than holding their own copies.
type Store struct {
	mu         sync.RWMutex
	active     map[core.SessionKey]*core.Session
	persist    Persister
	clock      core.Clock
	log        *slog.Logger
}

func New(persist Persister, clock core.Clock, log *slog.Logger) *Store {
	return &Store{
		active:  make(map[core.SessionKey]*core.Session),
		persist: persist,
		clock:   clock,
		log:     log.With("component", "sessionstore"),
	}
}

// Load repopulates the in-memory map from the persistent store. Any
// ephemeral TunnelProcess handle is left nil since tunnels do not
// survive a restart.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.persist.ListActiveSessions(ctx)
	if err != nil {
		return core.NewDomainError(core.ErrorCodeUnexpected, "load active sessions", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[core.SessionKey]*core.Session, len(rows))
	for _, row := range rows {
		row.TunnelProcess = nil
		s.active[row.SessionKey] = row
	}
	return nil
}

// Create inserts a new session; it fails with ErrSessionExists if the
// key is already occupied.
func (s *Store) Create(ctx context.Context, user, cluster string, ide core.IDE, init core.Session) (*core.Session, error) {
	key := core.NewSessionKey(user, cluster, ide)

	s.mu.Lock()
	if _, exists := s.active[key]; exists {
		s.mu.Unlock()
		return nil, core.ErrSessionExists(string(key))
	}
	sess := init
	sess.User, sess.Cluster, sess.IDE, sess.SessionKey = user, cluster, ide, key
	if sess.Status == "" {
		sess.Status = core.StatusIdle
	}
	if sess.SubmittedAt.IsZero() {
		sess.SubmittedAt = s.clock.Now()
	}
	s.active[key] = &sess
	s.mu.Unlock()

	s.writeThrough(ctx, &sess)
	return &sess, nil
}

// GetOrCreate returns the existing session for (user, cluster, ide)
// if present, tolerating a concurrent winner that created it first;
// otherwise it creates one from init.
func (s *Store) GetOrCreate(ctx context.Context, user, cluster string, ide core.IDE, init core.Session) (*core.Session, error) {
	key := core.NewSessionKey(user, cluster, ide)
	if existing, ok := s.Get(key); ok {
		return existing, nil
	}
	sess, err := s.Create(ctx, user, cluster, ide, init)
	if de, ok := err.(*core.DomainError); ok && de.Code == core.ErrorCodeValidation {
		// Another caller won the race between our Get and Create.
		if existing, ok := s.Get(key); ok {
			return existing, nil
		}
	}
	return sess, err
}

// Get returns a copy of the session for key, or ok=false if absent.
func (s *Store) Get(key core.SessionKey) (*core.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.active[key]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// Update mutates the session at key via fn and writes the result
// through; it fails with ErrSessionNotFound if key is unassigned.
func (s *Store) Update(ctx context.Context, key core.SessionKey, fn func(*core.Session)) (*core.Session, error) {
	s.mu.Lock()
	sess, ok := s.active[key]
	if !ok {
		s.mu.Unlock()
		return nil, core.ErrSessionNotFound(string(key))
	}
	fn(sess)
	cp := *sess
	s.mu.Unlock()

	s.writeThrough(ctx, &cp)
	return &cp, nil
}

// MarkDevServerUsed sets the UsedDevServer flag on key's session.
func (s *Store) MarkDevServerUsed(ctx context.Context, key core.SessionKey) error {
	_, err := s.Update(ctx, key, func(sess *core.Session) { sess.UsedDevServer = true })
	return err
}

// Clear removes key from the active table and archives it to
// history, returning the archived record (nil if the session was
// still idle, since there is nothing worth preserving). Sessions
// whose status was already idle are removed without an archive
// record.
func (s *Store) Clear(ctx context.Context, key core.SessionKey, opts ClearOptions) (*core.SessionHistory, error) {
	s.mu.Lock()
	sess, ok := s.active[key]
	if !ok {
		s.mu.Unlock()
		return nil, core.ErrSessionNotFound(string(key))
	}
	delete(s.active, key)
	cp := *sess
	s.mu.Unlock()

	if err := s.persist.DeleteActiveSession(ctx, key); err != nil {
		s.log.Warn("delete active session failed", "key", key, "error", err)
	}

	if cp.Status == core.StatusIdle {
		return nil, nil
	}

	reason := opts.EndReason
	if reason == "" {
		reason = core.EndReasonCompleted
	}
	history := core.NewSessionHistory(&cp, s.clock.Now(), reason, opts.ErrorMsg)
	if err := s.persist.InsertSessionHistory(ctx, history); err != nil {
		s.log.Warn("insert session history failed", "key", key, "error", err)
	}
	return history, nil
}

// All returns a snapshot copy of every active session.
func (s *Store) All() []*core.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Session, 0, len(s.active))
	for _, sess := range s.active {
		cp := *sess
		out = append(out, &cp)
	}
	return out
}

// ForUser returns every active session belonging to user.
func (s *Store) ForUser(user string) []*core.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Session
	for _, sess := range s.active {
		if sess.User == user {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveOnly returns sessions whose status is pending or running.
func (s *Store) ActiveOnly() []*core.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Session
	for _, sess := range s.active {
		if sess.Status == core.StatusPending || sess.Status == core.StatusRunning {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out
}

// HasActive reports whether user has any pending or running session.
func (s *Store) HasActive(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.active {
		if sess.User == user && (sess.Status == core.StatusPending || sess.Status == core.StatusRunning) {
			return true
		}
	}
	return false
}

// GetHistory returns archived sessions matching f.
func (s *Store) GetHistory(ctx context.Context, f core.HistoryFilters) ([]*core.SessionHistory, error) {
	return s.persist.ListSessionHistory(ctx, f)
}

// CountHistory returns the number of archived sessions matching f.
func (s *Store) CountHistory(ctx context.Context, f core.HistoryFilters) (int, error) {
	return s.persist.CountSessionHistory(ctx, f)
}

func (s *Store) writeThrough(ctx context.Context, sess *core.Session) {
	if err := s.persist.UpsertActiveSession(ctx, sess); err != nil {
		s.log.Warn("write-through upsert failed", "key", sess.SessionKey, "error", err)
	}
}
