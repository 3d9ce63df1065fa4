package partition

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/slurmtext"
)

// SSHExecFunc is the minimal dependency the refresher needs: a single
// function to run a command against a cluster. Injecting this
// instead of the whole session/SSH-queue graph keeps the dependency
// graph acyclic (the refresher must not depend on anything that in
// turn depends on PartitionStore).
type SSHExecFunc func(ctx context.Context, cluster, command string) (string, error)

const (
	partitionInspectCmd = "scontrol show partition -o"
	gresInspectCmdFmt   = "sinfo -p %s -O 'gres' -h"
)

// Refresher repopulates Store on demand by querying each cluster via
// SSHExecFunc; it has no timer of its own (bootstrap runs RefreshAll
// once at start-up).
type Refresher struct {
	store *Store
	exec  SSHExecFunc
	log   *slog.Logger
}

func NewRefresher(store *Store, exec SSHExecFunc, log *slog.Logger) *Refresher {
	return &Refresher{store: store, exec: exec, log: log.With("component", "partition-refresher")}
}

// RefreshAll refreshes every named cluster in parallel, returning the
// first error encountered (if any) while still allowing unaffected
// clusters' refreshes to complete and commit.
func (r *Refresher) RefreshAll(ctx context.Context, clusters []string) error {
	var eg errgroup.Group
	for _, cluster := range clusters {
		eg.Go(func() error {
			if err := r.Refresh(ctx, cluster); err != nil {
				r.log.Warn("partition refresh failed", "cluster", cluster, "error", err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// Refresh repopulates Store's rows for one cluster. A failure leaves
// existing rows in place: DeleteStale is only called after a
// successful parse of every observed partition.
func (r *Refresher) Refresh(ctx context.Context, cluster string) error {
	out, err := r.exec(ctx, cluster, partitionInspectCmd)
	if err != nil {
		return core.NewDomainError(core.ErrorCodeSsh, "list partitions", err)
	}

	keep := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := slurmtext.ParsePartitionLine(line)
		if fields.Name == "" {
			continue
		}

		limits := buildLimits(fields)
		if strings.Contains(strings.ToLower(fields.Name), "gpu") {
			r.attachGRES(ctx, cluster, fields.Name, &limits)
		}

		r.store.Upsert(cluster, fields.Name, limits)
		keep[fields.Name] = struct{}{}
	}

	r.store.DeleteStale(cluster, keep)
	return nil
}

func buildLimits(f slurmtext.PartitionFields) core.PartitionLimits {
	limits := core.PartitionLimits{
		IsDefault:   f.Default,
		TotalCPUs:   f.TotalCPUs,
		TotalNodes:  f.TotalNodes,
		TotalMemMB:  f.TotalMemMB,
		MaxTime:     f.MaxTime,
	}

	if limits.MaxTime == "UNLIMITED" {
		limits.MaxTime = slurmtext.MaxWalltimeCap
	}

	unlimitedCPU := f.MaxCPUsPerNode == "UNLIMITED"
	unlimitedMem := f.MaxMemPerNode == "UNLIMITED"
	if unlimitedCPU && unlimitedMem {
		if f.TotalNodes > 0 {
			limits.MaxCPUs = f.TotalCPUs / f.TotalNodes
			limits.MaxMemMB = f.TotalMemMB / f.TotalNodes
		}
		// TotalNodes == 0 leaves MaxCPUs/MaxMemMB at the zero value,
		// i.e. "not derivable", rather than dividing by zero.
	} else {
		if n, err := strconv.Atoi(f.MaxCPUsPerNode); err == nil {
			limits.MaxCPUs = n
		}
		if mb, ok := slurmtext.ParseMemoryMB(f.MaxMemPerNode); ok {
			limits.MaxMemMB = mb
		}
	}

	if f.AllowAccounts != "" && f.AllowAccounts != "ALL" {
		limits.Restricted = true
		limits.RestrictionReason = fmt.Sprintf("restricted to accounts: %s", f.AllowAccounts)
	}
	if f.DenyAccounts != "" {
		limits.Restricted = true
		if limits.RestrictionReason != "" {
			limits.RestrictionReason += "; "
		}
		limits.RestrictionReason += fmt.Sprintf("denied accounts: %s", f.DenyAccounts)
	}

	return limits
}

func (r *Refresher) attachGRES(ctx context.Context, cluster, partitionName string, limits *core.PartitionLimits) {
	out, err := r.exec(ctx, cluster, fmt.Sprintf(gresInspectCmdFmt, partitionName))
	if err != nil {
		r.log.Warn("gres inspect failed", "cluster", cluster, "partition", partitionName, "error", err)
		return
	}
	for _, line := range strings.Split(out, "\n") {
		if g, ok := slurmtext.ParseGRES(strings.TrimSpace(line)); ok {
			limits.GPUCount = g.Count
			limits.GPUType = g.Type
			return
		}
	}
}
