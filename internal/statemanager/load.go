package statemanager

import (
	"context"
	"strings"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/sessionstore"
)

// Load runs the start-up pipeline described in spec §4.F:
//  1. repopulate active sessions from the store (tunnel handles reset to nil
//     happens inside sessionstore.Store.Load itself);
//  2. load the ActiveSession pointer from the key-value table;
//  3. reconcile in-memory session state against cluster truth;
//  4. mark the manager ready.
//
// Legacy on-disk JSON snapshot migration (ENABLE_STATE_PERSISTENCE /
// STATE_FILE) is a one-shot concern handled by the caller before Load
// runs, via LegacyImport, so that this method stays focused on the
// store-to-memory and reconciliation steps.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.sessions.Load(ctx); err != nil {
		return err
	}

	if err := m.loadActivePointer(ctx); err != nil {
		m.log.Warn("load active session pointer failed", "error", err)
	}

	if err := m.reconcile(ctx); err != nil {
		m.log.Warn("reconciliation encountered errors", "error", err)
	}

	m.readyMu.Lock()
	m.ready = true
	m.readyMu.Unlock()
	m.log.Info("state manager ready")
	return nil
}

func (m *Manager) loadActivePointer(ctx context.Context) error {
	raw, ok, err := m.appState.GetAppState(ctx, "activeSession")
	if err != nil {
		return err
	}
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\x1f")
	if len(parts) != 3 {
		return nil
	}
	m.activeMu.Lock()
	m.active = &core.ActiveSessionPointer{User: parts[0], Cluster: parts[1], IDE: core.IDE(parts[2])}
	m.activeMu.Unlock()
	return nil
}

// reconcile keeps every running session whose job is still alive on
// its cluster; anything whose job has disappeared is cleared with
// endReason=reconciled and fans out through ClearSession so tunnels
// and proxies can be torn down. A reconciliation error for one
// session conservatively leaves it in place rather than clearing it,
// per spec §7 ("reconciliation errors conservatively leave sessions
// in place").
func (m *Manager) reconcile(ctx context.Context) error {
	var firstErr error
	for _, sess := range m.sessions.ActiveOnly() {
		if sess.Status != core.StatusRunning || !sess.HasJob() {
			continue
		}
		terminal, err := m.jobStatus(ctx, sess.Cluster, sess.JobID)
		if err != nil {
			m.log.Warn("reconcile job status check failed, keeping session", "key", sess.SessionKey, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !terminal {
			continue
		}
		m.log.Info("reconciling stale session", "key", sess.SessionKey, "jobId", sess.JobID)
		if err := m.ClearSession(ctx, sess.SessionKey, sessionstore.ClearOptions{EndReason: core.EndReasonReconciled}); err != nil {
			m.log.Warn("reconcile clear failed", "key", sess.SessionKey, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
