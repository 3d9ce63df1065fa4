// Package idlereaper implements the periodic idle-session canceller
// (component J): every 60s it scans running sessions and cancels the
// ones that have gone quiet past the configured timeout.
package idlereaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/sessionstore"
	"github.com/rchpc/ide-broker/internal/sshqueue"
	"github.com/rchpc/ide-broker/internal/statemanager"
)

// ScanInterval is the fixed tick, per spec §4.J.
const ScanInterval = 60 * time.Second

// CancelJobFunc issues the SLURM cancel command for (cluster, jobID).
type CancelJobFunc func(ctx context.Context, cluster, jobID string) error

// Reaper is the IdleReaper component (J). Disabled entirely when
// timeout is 0, per the SESSION_IDLE_TIMEOUT configuration option.
type Reaper struct {
	sessions  *sessionstore.Store
	manager   *statemanager.Manager
	queue     *sshqueue.Queue
	cancelJob CancelJobFunc
	clock     core.Clock
	timeout   time.Duration
	log       *slog.Logger
}

func New(
	sessions *sessionstore.Store,
	manager *statemanager.Manager,
	queue *sshqueue.Queue,
	cancelJob CancelJobFunc,
	clock core.Clock,
	timeout time.Duration,
	log *slog.Logger,
) *Reaper {
	return &Reaper{
		sessions:  sessions,
		manager:   manager,
		queue:     queue,
		cancelJob: cancelJob,
		clock:     clock,
		timeout:   timeout,
		log:       log.With("component", "idlereaper"),
	}
}

// Start runs the scan loop until ctx is cancelled. A non-positive
// timeout disables the reaper entirely: it returns immediately
// without scheduling anything.
func (r *Reaper) Start(ctx context.Context) error {
	if r.timeout <= 0 {
		return nil
	}

	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// Stop is a no-op: Start already returns promptly on ctx cancellation.
func (r *Reaper) Stop(context.Context) error { return nil }

// scan follows the same two-phase shape as the teacher's
// ReapStaleSessions: candidates are identified against a snapshot,
// then cancelled outside any lock the snapshot held.
func (r *Reaper) scan(ctx context.Context) {
	now := r.clock.Now()

	var idle []*core.Session
	for _, sess := range r.sessions.ActiveOnly() {
		if sess.Status != core.StatusRunning || !sess.HasJob() {
			continue
		}
		if r.idleFor(sess, now) > r.timeout {
			idle = append(idle, sess)
		}
	}

	for _, sess := range idle {
		r.reap(ctx, sess)
	}
}

// idleFor returns how long sess has been idle, preferring
// lastActivity over startedAt. A session with neither a recorded
// activity timestamp nor a parseable startedAt is never idle (the
// caller's loop skips it by returning a duration below any positive
// timeout would need infinite patience for, so we return -1 to mean
// "never eligible").
func (r *Reaper) idleFor(sess *core.Session, now time.Time) time.Duration {
	switch {
	case sess.LastActivity > 0:
		last := time.UnixMilli(sess.LastActivity)
		return now.Sub(last)
	case !sess.StartedAt.IsZero():
		return now.Sub(sess.StartedAt)
	default:
		return -1
	}
}

func (r *Reaper) reap(ctx context.Context, sess *core.Session) {
	_, err := sshqueue.Do(ctx, r.queue, sess.Cluster, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.cancelJob(ctx, sess.Cluster, sess.JobID)
	})
	if err != nil {
		r.log.Warn("idle job cancel failed", "key", sess.SessionKey, "jobId", sess.JobID, "error", err)
	}

	if err := r.manager.ClearSession(ctx, sess.SessionKey, sessionstore.ClearOptions{EndReason: core.EndReasonTimeout}); err != nil {
		r.log.Warn("idle session clear failed", "key", sess.SessionKey, "error", err)
	}
}
