package core

import "time"

// Gauge is a used/total/percent triple shared by CPU, memory, and GPU
// utilisation figures.
type Gauge struct {
	Used    float64
	Total   float64
	Percent float64
}

// NodeGauge extends Gauge with the idle/busy/down node breakdown.
type NodeGauge struct {
	Gauge
	Idle int
	Busy int
	Down int
}

// PartitionUsage is the per-partition slice of a ClusterHealth sample.
type PartitionUsage struct {
	CPUs Gauge
	GPUs Gauge
}

// ClusterHealth is the cached, last-known utilisation snapshot for
// one cluster. It is the read-through value ClusterCache serves.
type ClusterHealth struct {
	Online              bool
	CPUs                Gauge
	Memory              Gauge
	Nodes               NodeGauge
	GPUs                Gauge
	Partitions          map[string]PartitionUsage
	RunningJobs         int
	PendingJobs         int
	Fairshare           float64
	LastChecked         time.Time
	ConsecutiveFailures int
	Error               string
}

// HealthHistoryEntry is one archived utilisation sample for one
// cluster.
type HealthHistoryEntry struct {
	Timestamp    time.Time
	CPUsPercent  float64
	MemPercent   float64
	NodesPercent float64
	GPUsPercent  float64
	RunningJobs  int
	PendingJobs  int
	A100CPUsPct  float64
	V100CPUsPct  float64
	SampleCount  int
}

// PartitionLimits is the parsed, per-(cluster,partition) resource
// ceiling used as validator input.
type PartitionLimits struct {
	Cluster           string
	Partition         string
	IsDefault         bool
	MaxCPUs           int // 0 meaning "not derivable", see partition.buildLimits
	MaxMemMB          int
	MaxTime           string
	DefaultTime       string
	TotalCPUs         int
	TotalNodes        int
	TotalMemMB        int
	GPUCount          int
	GPUType           string
	Restricted        bool
	RestrictionReason string
	UpdatedAt         time.Time
}

// UserAccount is a process-lifetime cache entry mapping a user to
// their SLURM scheduler account.
type UserAccount struct {
	User      string
	Account   string
	FetchedAt time.Time
}
