// Package jobpoller implements the adaptive, batched SLURM-queue
// poller (component G): one SSH call per cluster per cycle, matched
// against active sessions, with a backing-off re-armable interval.
package jobpoller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/sessionstore"
	"github.com/rchpc/ide-broker/internal/slurmtext"
	"github.com/rchpc/ide-broker/internal/statemanager"
)

// Interval tiers, per spec §4.G.
const (
	Frequent   = 15 * time.Second
	Moderate   = 60 * time.Second
	Relaxed    = 5 * time.Minute
	Infrequent = 10 * time.Minute
	Idle       = 30 * time.Minute
	Max        = 1 * time.Hour
)

// ListJobsFunc returns every currently queued-or-running broker job
// on cluster in one batched call.
type ListJobsFunc func(ctx context.Context, cluster string) ([]slurmtext.JobRow, error)

// RunningListener is notified the first time a pending session's job
// is observed in SLURM's RUNNING state, with the compute node already
// recorded on the session. launch.Launcher registers one of these to
// open the session's tunnel and proxy as soon as a node is known.
type RunningListener func(ctx context.Context, sess *core.Session)

// Poller is the JobPoller component (G). It implements
// transport.Listener so the broker's top-level lifecycle coordinator
// can start and stop it alongside the other background loops.
type Poller struct {
	sessions *sessionstore.Store
	manager  *statemanager.Manager
	clusters []string
	listJobs ListJobsFunc
	clock    core.Clock
	log      *slog.Logger

	wake chan struct{}

	mu             sync.Mutex
	unchangedCount int

	listenersMu sync.Mutex
	onRunning   []RunningListener
}

func New(
	sessions *sessionstore.Store,
	manager *statemanager.Manager,
	clusters []string,
	listJobs ListJobsFunc,
	clock core.Clock,
	log *slog.Logger,
) *Poller {
	return &Poller{
		sessions: sessions,
		manager:  manager,
		clusters: clusters,
		listJobs: listJobs,
		clock:    clock,
		log:      log.With("component", "jobpoller"),
		wake:     make(chan struct{}, 1),
	}
}

// OnSessionRunning registers a listener fired the first cycle a
// session's job is observed RUNNING.
func (p *Poller) OnSessionRunning(fn RunningListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.onRunning = append(p.onRunning, fn)
}

func (p *Poller) notifyRunning(ctx context.Context, sess *core.Session) {
	p.listenersMu.Lock()
	listeners := append([]RunningListener(nil), p.onRunning...)
	p.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ctx, sess)
	}
}

// TriggerFastPoll re-arms the loop to fire within Frequent, race-free
// regardless of how much of the current interval has elapsed. Call
// sites use this when creating a pending session.
func (p *Poller) TriggerFastPoll() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the adaptive polling loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.runCycle(ctx)

	timer := time.NewTimer(p.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		p.runCycle(ctx)
		timer.Reset(p.nextInterval())
	}
}

// Stop is a no-op: Start already returns promptly on ctx
// cancellation, and there is no external resource to release.
func (p *Poller) Stop(context.Context) error { return nil }

type fetchResult struct {
	cluster string
	rows    []slurmtext.JobRow
	err     error
}

// runCycle fetches each cluster's job listing in parallel, then
// matches it against active sessions sequentially. A cycle failure is
// logged and never fatal; the loop always reschedules.
func (p *Poller) runCycle(ctx context.Context) {
	results := make([]fetchResult, len(p.clusters))
	var eg errgroup.Group
	for i, cluster := range p.clusters {
		eg.Go(func() error {
			rows, err := p.listJobs(ctx, cluster)
			results[i] = fetchResult{cluster: cluster, rows: rows, err: err}
			return nil
		})
	}
	eg.Wait()

	significant := false
	for _, res := range results {
		if res.err != nil {
			p.log.Warn("job poll cycle failed", "cluster", res.cluster, "error", res.err)
			continue
		}
		if p.matchCluster(ctx, res.cluster, res.rows) {
			significant = true
		}
	}

	p.mu.Lock()
	if significant {
		p.unchangedCount = 0
	} else {
		p.unchangedCount++
	}
	p.mu.Unlock()
}

// matchCluster applies the transition table for every active session
// on cluster and reports whether any transition or disappearance
// occurred (a "significant change").
func (p *Poller) matchCluster(ctx context.Context, cluster string, rows []slurmtext.JobRow) bool {
	byJobID := make(map[string]slurmtext.JobRow, len(rows))
	for _, row := range rows {
		byJobID[row.JobID] = row
	}

	significant := false
	for _, sess := range p.sessions.ActiveOnly() {
		if sess.Cluster != cluster || !sess.HasJob() {
			continue
		}
		row, found := byJobID[sess.JobID]
		if !found {
			reason := core.EndReasonCompleted
			if sess.Error != "" {
				reason = core.EndReasonError
			}
			if err := p.manager.ClearSession(ctx, sess.SessionKey, sessionstore.ClearOptions{EndReason: reason, ErrorMsg: sess.Error}); err != nil {
				p.log.Warn("clear disappeared job failed", "key", sess.SessionKey, "error", err)
			}
			significant = true
			continue
		}

		if p.applyTransition(ctx, sess, row) {
			significant = true
		}
	}
	return significant
}

func (p *Poller) applyTransition(ctx context.Context, sess *core.Session, row slurmtext.JobRow) (significant bool) {
	switch row.State {
	case slurmtext.JobStatePending:
		significant = sess.Status != core.StatusPending
		p.updateTimeLeftAnd(ctx, sess.SessionKey, row, func(s *core.Session) {
			s.Status = core.StatusPending
		})
	case slurmtext.JobStateRunning:
		significant = sess.Status != core.StatusRunning
		wasRunning := sess.Status == core.StatusRunning
		p.updateTimeLeftAnd(ctx, sess.SessionKey, row, func(s *core.Session) {
			s.Status = core.StatusRunning
			s.Node = row.Node
			if s.StartedAt.IsZero() {
				s.StartedAt = p.clock.Now()
			}
		})
		if !wasRunning {
			if updated, ok := p.sessions.Get(sess.SessionKey); ok {
				p.notifyRunning(ctx, updated)
			}
		}
	case slurmtext.JobStateCompleted, slurmtext.JobStateFailed, slurmtext.JobStateCancelled, slurmtext.JobStateTimeout:
		reason := mapEndReason(row.State)
		if err := p.manager.ClearSession(ctx, sess.SessionKey, sessionstore.ClearOptions{EndReason: reason}); err != nil {
			p.log.Warn("clear terminal job failed", "key", sess.SessionKey, "error", err)
		}
		significant = true
	default:
		// Unrecognised/suspended states: refresh time-left only.
		p.updateTimeLeftAnd(ctx, sess.SessionKey, row, func(*core.Session) {})
	}
	return significant
}

// updateTimeLeftAnd always refreshes TimeLeftSeconds (not itself a
// "significant change") alongside any status mutation fn performs.
func (p *Poller) updateTimeLeftAnd(ctx context.Context, key core.SessionKey, row slurmtext.JobRow, fn func(*core.Session)) {
	if _, err := p.sessions.Update(ctx, key, func(s *core.Session) {
		fn(s)
		s.TimeLeftSeconds = row.TimeLeftSeconds
	}); err != nil {
		p.log.Warn("session update failed", "key", key, "error", err)
	}
}

func mapEndReason(state slurmtext.JobState) core.EndReason {
	switch state {
	case slurmtext.JobStateFailed:
		return core.EndReasonError
	case slurmtext.JobStateCancelled:
		return core.EndReasonCancelled
	case slurmtext.JobStateTimeout:
		return core.EndReasonTimeout
	default:
		return core.EndReasonCompleted
	}
}

// nextInterval implements the tiered + backoff schedule of §4.G.
func (p *Poller) nextInterval() time.Duration {
	sessions := p.sessions.ActiveOnly()

	anyPending := false
	minTimeLeft := -1
	for _, sess := range sessions {
		if sess.Status == core.StatusPending {
			anyPending = true
		}
		if sess.Status == core.StatusRunning {
			if minTimeLeft < 0 || sess.TimeLeftSeconds < minTimeLeft {
				minTimeLeft = sess.TimeLeftSeconds
			}
		}
	}

	var base time.Duration
	switch {
	case anyPending:
		base = Frequent
	case len(sessions) == 0:
		base = Idle
	case minTimeLeft >= 0 && minTimeLeft < 600:
		base = Frequent
	case minTimeLeft >= 0 && minTimeLeft < 1800:
		base = Moderate
	case minTimeLeft >= 0 && minTimeLeft < 3600:
		base = Relaxed
	case minTimeLeft >= 0 && minTimeLeft < 21600:
		base = Infrequent
	default:
		base = Idle
	}

	p.mu.Lock()
	unchanged := p.unchangedCount
	p.mu.Unlock()

	if unchanged < 3 {
		return base
	}

	exp := unchanged - 2
	if exp > 3 {
		exp = 3
	}
	factor := 1.0
	for range exp {
		factor *= 1.5
	}
	scaled := time.Duration(float64(base) * factor)
	if scaled > Max {
		return Max
	}
	return scaled
}
