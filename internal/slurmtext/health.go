package slurmtext

import (
	"strconv"
	"strings"
)

// ParseCPUSummary parses sinfo's "%C" column: "allocated/idle/other/total"
// CPU counts for a partition or the whole cluster (when sinfo is run
// with no -p filter).
func ParseCPUSummary(s string) (used, total int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 4 {
		return 0, 0, false
	}
	alloc, err1 := strconv.Atoi(parts[0])
	tot, err2 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return alloc, tot, true
}

// NodeStateCounts classifies `sinfo -h -N -o '%t'` lines (one SLURM
// node-state token per line) into idle/busy/down buckets. "mix" and
// "alloc" both count as busy; "down", "drain", and "drng" count as
// down; anything else (including "idle") counts as idle.
func NodeStateCounts(lines []string) (idle, busy, down int) {
	for _, line := range lines {
		state := strings.ToLower(strings.TrimSpace(line))
		if state == "" {
			continue
		}
		switch {
		case strings.HasPrefix(state, "alloc"), strings.HasPrefix(state, "mix"):
			busy++
		case strings.HasPrefix(state, "down"), strings.HasPrefix(state, "drain"), strings.HasPrefix(state, "drng"):
			down++
		default:
			idle++
		}
	}
	return idle, busy, down
}

// JobStateCounts classifies `squeue -h -o '%T'` lines (one job-state
// word per line, across every job on the cluster, not just this
// service's) into running/pending counts via MapJobState.
func JobStateCounts(lines []string) (running, pending int) {
	for _, line := range lines {
		switch MapJobState(line) {
		case JobStateRunning:
			running++
		case JobStatePending:
			pending++
		}
	}
	return running, pending
}
