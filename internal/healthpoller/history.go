package healthpoller

import (
	"sort"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
)

// retentionFull is how long entries stay at full resolution before
// being eligible for hourly downsampling.
const retentionFull = 24 * time.Hour

// retentionArchive is how long downsampled entries are kept at all.
const retentionArchive = 365 * 24 * time.Hour

// History holds, per cluster, a full-resolution recent window plus a
// date-indexed archive of hourly-downsampled entries.
type History struct {
	recent       map[string][]core.HealthHistoryEntry
	archive      map[string]map[string][]core.HealthHistoryEntry // cluster -> "YYYY-MM-DD" -> entries
	lastRollover map[string]time.Time
	clock        core.Clock
}

func NewHistory(clock core.Clock) *History {
	return &History{
		recent:       make(map[string][]core.HealthHistoryEntry),
		archive:      make(map[string]map[string][]core.HealthHistoryEntry),
		lastRollover: make(map[string]time.Time),
		clock:        clock,
	}
}

// Append adds one sample to cluster's recent window, monotonically
// ordered by timestamp (callers always append the latest sample).
func (h *History) Append(cluster string, entry core.HealthHistoryEntry) {
	h.recent[cluster] = append(h.recent[cluster], entry)
}

// MaybeRollover downsamples entries older than 24h into the archive,
// at most once per hour per cluster.
func (h *History) MaybeRollover(cluster string) {
	now := h.clock.Now()
	if last, ok := h.lastRollover[cluster]; ok && now.Sub(last) < time.Hour {
		return
	}
	h.lastRollover[cluster] = now

	var stale, fresh []core.HealthHistoryEntry
	for _, e := range h.recent[cluster] {
		if now.Sub(e.Timestamp) > retentionFull {
			stale = append(stale, e)
		} else {
			fresh = append(fresh, e)
		}
	}
	if len(stale) == 0 {
		return
	}
	h.recent[cluster] = fresh

	byDate := make(map[string][]core.HealthHistoryEntry)
	for _, e := range stale {
		date := e.Timestamp.Format("2006-01-02")
		byDate[date] = append(byDate[date], e)
	}
	if h.archive[cluster] == nil {
		h.archive[cluster] = make(map[string][]core.HealthHistoryEntry)
	}
	for date, entries := range byDate {
		merged := append(h.archive[cluster][date], entries...)
		h.archive[cluster][date] = DownsampleToHourly(merged)
	}
	h.pruneArchive(cluster, now)
}

func (h *History) pruneArchive(cluster string, now time.Time) {
	cutoff := now.Add(-retentionArchive)
	for date := range h.archive[cluster] {
		t, err := time.Parse("2006-01-02", date)
		if err == nil && t.Before(cutoff) {
			delete(h.archive[cluster], date)
		}
	}
}

// Recent returns cluster's full-resolution window, newest last.
func (h *History) Recent(cluster string) []core.HealthHistoryEntry {
	return append([]core.HealthHistoryEntry(nil), h.recent[cluster]...)
}

// DownsampleToHourly buckets entries by YYYY-MM-DDTHH and emits one
// entry per bucket: the median of every metric, the middle entry's
// timestamp, and a SampleCount summing the bucket's own counts (an
// entry with no count counts as one sample). Feeding it a set that is
// already one entry per hour is a no-op
// (downsampleToHourly(downsampleToHourly(x)) == downsampleToHourly(x)),
// since a single-element median is that element itself and its count
// carries through unchanged.
func DownsampleToHourly(entries []core.HealthHistoryEntry) []core.HealthHistoryEntry {
	buckets := make(map[string][]core.HealthHistoryEntry)
	for _, e := range entries {
		key := e.Timestamp.Format("2006-01-02T15")
		buckets[key] = append(buckets[key], e)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]core.HealthHistoryEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, medianEntry(buckets[k]))
	}
	return out
}

func medianEntry(entries []core.HealthHistoryEntry) core.HealthHistoryEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	cpus := make([]float64, len(entries))
	mem := make([]float64, len(entries))
	nodes := make([]float64, len(entries))
	gpus := make([]float64, len(entries))
	a100 := make([]float64, len(entries))
	v100 := make([]float64, len(entries))
	running := make([]float64, len(entries))
	pending := make([]float64, len(entries))
	for i, e := range entries {
		cpus[i], mem[i], nodes[i], gpus[i] = e.CPUsPercent, e.MemPercent, e.NodesPercent, e.GPUsPercent
		a100[i], v100[i] = e.A100CPUsPct, e.V100CPUsPct
		running[i], pending[i] = float64(e.RunningJobs), float64(e.PendingJobs)
	}

	count := 0
	for _, e := range entries {
		if e.SampleCount > 0 {
			count += e.SampleCount
		} else {
			count++
		}
	}

	mid := entries[len(entries)/2].Timestamp
	return core.HealthHistoryEntry{
		Timestamp:    mid,
		CPUsPercent:  median(cpus),
		MemPercent:   median(mem),
		NodesPercent: median(nodes),
		GPUsPercent:  median(gpus),
		A100CPUsPct:  median(a100),
		V100CPUsPct:  median(v100),
		RunningJobs:  int(median(running)),
		PendingJobs:  int(median(pending)),
		SampleCount:  count,
	}
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
