package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/sessionstore"
)

// JSONSnapshotter wraps a sessionstore.Persister and, after every
// mutating call, re-lists every active session and writes it to path
// as a JSON array. This is the write side of ENABLE_STATE_PERSISTENCE:
// it keeps a flat on-disk snapshot alongside the SQLite database so a
// deployment that later disables USE_SQLITE still has something for
// StateManager.LegacyImport to read on its next start-up.
//
// A write failure is logged-and-swallowed by the caller the same way
// sessionstore.Store treats its own write-through failures; the
// database remains the source of truth.
type JSONSnapshotter struct {
	sessionstore.Persister
	path string

	mu sync.Mutex
}

// NewJSONSnapshotter returns a Persister that snapshots to path on
// every mutation. If path is empty, snapshotting is a no-op and the
// wrapped Persister is returned unwrapped.
func NewJSONSnapshotter(persist sessionstore.Persister, path string) sessionstore.Persister {
	if path == "" {
		return persist
	}
	return &JSONSnapshotter{Persister: persist, path: path}
}

// UpsertActiveSession implements sessionstore.Persister.
func (j *JSONSnapshotter) UpsertActiveSession(ctx context.Context, s *core.Session) error {
	if err := j.Persister.UpsertActiveSession(ctx, s); err != nil {
		return err
	}
	return j.snapshot(ctx)
}

// DeleteActiveSession implements sessionstore.Persister.
func (j *JSONSnapshotter) DeleteActiveSession(ctx context.Context, key core.SessionKey) error {
	if err := j.Persister.DeleteActiveSession(ctx, key); err != nil {
		return err
	}
	return j.snapshot(ctx)
}

func (j *JSONSnapshotter) snapshot(ctx context.Context) error {
	rows, err := j.Persister.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: list active sessions: %w", err)
	}

	sessions := make([]core.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, *row)
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}
