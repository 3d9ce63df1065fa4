// Package healthpoller implements the fixed-interval cluster health
// sampler (component H): one SSH-backed sample per cluster every 30
// minutes, written through to ClusterCache and archived into History.
package healthpoller

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rchpc/ide-broker/internal/clustercache"
	"github.com/rchpc/ide-broker/internal/core"
)

// Interval is the fixed sampling period, per spec §4.H.
const Interval = 30 * time.Minute

// escalateAt is the consecutive-failure count at which log severity
// steps up from warn to error.
const escalateAt = 5

// SampleFunc gathers one utilisation snapshot for cluster, typically
// by issuing sinfo/squeue/sshare over the SSH queue.
type SampleFunc func(ctx context.Context, cluster string) (core.ClusterHealth, error)

// Poller is the HealthPoller component (H).
type Poller struct {
	cache    *clustercache.Cache
	history  *History
	clusters []string
	sample   SampleFunc
	clock    core.Clock
	log      *slog.Logger
}

func New(
	cache *clustercache.Cache,
	history *History,
	clusters []string,
	sample SampleFunc,
	clock core.Clock,
	log *slog.Logger,
) *Poller {
	return &Poller{
		cache:    cache,
		history:  history,
		clusters: clusters,
		sample:   sample,
		clock:    clock,
		log:      log.With("component", "healthpoller"),
	}
}

// Start runs the fixed-interval sampling loop until ctx is cancelled.
// If every cluster already has a fresh, online cache entry at start-up
// (e.g. restored from persisted state), the first poll is deferred
// until the soonest entry would otherwise go stale, instead of
// immediately re-sampling data that is still good.
func (p *Poller) Start(ctx context.Context) error {
	timer := time.NewTimer(p.startupDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		p.runCycle(ctx)
		timer.Reset(Interval)
	}
}

// Stop is a no-op: Start already returns promptly on ctx cancellation.
func (p *Poller) Stop(context.Context) error { return nil }

func (p *Poller) startupDelay() time.Duration {
	if len(p.clusters) == 0 {
		return 0
	}
	deferUntil := Interval
	for _, cluster := range p.clusters {
		data, age, valid := p.cache.Get(cluster)
		if !valid || !data.Online {
			return 0
		}
		remaining := clustercache.DefaultTTL - age
		if remaining < deferUntil {
			deferUntil = remaining
		}
	}
	if deferUntil < 0 {
		return 0
	}
	return deferUntil
}

func (p *Poller) runCycle(ctx context.Context) {
	var eg errgroup.Group
	for _, cluster := range p.clusters {
		cluster := cluster
		eg.Go(func() error {
			p.sampleOne(ctx, cluster)
			return nil
		})
	}
	eg.Wait()
}

func (p *Poller) sampleOne(ctx context.Context, cluster string) {
	data, err := p.sample(ctx, cluster)
	now := p.clock.Now()

	if err != nil {
		prev, _, _ := p.cache.Get(cluster)
		failures := prev.ConsecutiveFailures + 1
		snapshot := core.ClusterHealth{
			Online:              false,
			ConsecutiveFailures: failures,
			LastChecked:         now,
			Error:               err.Error(),
		}
		p.cache.Set(cluster, snapshot)

		if failures >= escalateAt {
			p.log.Error("cluster health sample failed", "cluster", cluster, "consecutiveFailures", failures, "error", err)
		} else {
			p.log.Warn("cluster health sample failed", "cluster", cluster, "consecutiveFailures", failures, "error", err)
		}
		return
	}

	data.Online = true
	data.ConsecutiveFailures = 0
	data.LastChecked = now
	data.Error = ""
	p.cache.Set(cluster, data)

	p.history.Append(cluster, core.HealthHistoryEntry{
		Timestamp:    now,
		CPUsPercent:  data.CPUs.Percent,
		MemPercent:   data.Memory.Percent,
		NodesPercent: data.Nodes.Percent,
		GPUsPercent:  data.GPUs.Percent,
		A100CPUsPct:  partitionPercent(data, "a100"),
		V100CPUsPct:  partitionPercent(data, "v100"),
		RunningJobs:  data.RunningJobs,
		PendingJobs:  data.PendingJobs,
		SampleCount:  1,
	})
	p.history.MaybeRollover(cluster)
}

func partitionPercent(data core.ClusterHealth, partition string) float64 {
	if usage, ok := data.Partitions[partition]; ok {
		return usage.CPUs.Percent
	}
	return 0
}
