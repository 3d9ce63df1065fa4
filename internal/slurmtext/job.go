package slurmtext

import "strings"

// JobState is SLURM's job-state vocabulary, normalised to the long
// form regardless of whether the source command abbreviated it.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
	JobStateTimeout   JobState = "TIMEOUT"
	JobStateSuspended JobState = "SUSPENDED"
	JobStateUnknown   JobState = "UNKNOWN"
)

// MapJobState normalises squeue/sacct's short and long state codes
// (R, PD, CD, CG, F, CA, TO, S, ...) to the JobState vocabulary.
func MapJobState(raw string) JobState {
	s := strings.ToUpper(strings.TrimSpace(raw))
	// sacct often appends a trailing "+"/exit-code suffix, e.g. "CANCELLED by 1000".
	if i := strings.IndexAny(s, " +"); i >= 0 {
		s = s[:i]
	}
	switch s {
	case "PD", "PENDING":
		return JobStatePending
	case "R", "RUNNING", "CG", "COMPLETING":
		return JobStateRunning
	case "CD", "COMPLETED":
		return JobStateCompleted
	case "F", "FAILED", "NF", "NODE_FAIL":
		return JobStateFailed
	case "CA", "CANCELLED":
		return JobStateCancelled
	case "TO", "TIMEOUT":
		return JobStateTimeout
	case "S", "SUSPENDED":
		return JobStateSuspended
	default:
		return JobStateUnknown
	}
}

// Terminal reports whether a job state is an end state the poller
// should archive rather than continue tracking.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	}
	return false
}

// JobRow is one parsed row from the batched squeue listing: job id,
// state, node, time-left-seconds, and the IDE tag recovered from the
// job name ("hpc-<ide>").
type JobRow struct {
	JobID           string
	State           JobState
	Node            string
	TimeLeftSeconds int
	JobName         string
}

// ParseSqueueLine parses one pipe-delimited squeue row formatted as
// `%i|%T|%R|%L|%j` (job id | state | node list | time left | name).
func ParseSqueueLine(line string) (JobRow, bool) {
	fields := strings.Split(line, "|")
	if len(fields) < 5 {
		return JobRow{}, false
	}
	row := JobRow{
		JobID:   strings.TrimSpace(fields[0]),
		State:   MapJobState(fields[1]),
		Node:    firstNode(fields[2]),
		JobName: strings.TrimSpace(fields[4]),
	}
	if secs, ok := ParseTimeToSeconds(strings.TrimSpace(fields[3])); ok {
		row.TimeLeftSeconds = secs
	}
	return row, true
}

// firstNode collapses a SLURM node-list expression to its first host
// (e.g. "cn-[07-09]" → "cn-07"); callers only need the single
// compute node a session's tunnel should target.
func firstNode(nodeList string) string {
	nodeList = strings.TrimSpace(nodeList)
	if nodeList == "" || nodeList == "(null)" {
		return ""
	}
	open := strings.Index(nodeList, "[")
	if open < 0 {
		if comma := strings.Index(nodeList, ","); comma >= 0 {
			return nodeList[:comma]
		}
		return nodeList
	}
	prefix := nodeList[:open]
	close := strings.Index(nodeList, "]")
	if close < 0 {
		return prefix
	}
	inside := nodeList[open+1 : close]
	first := inside
	if dash := strings.Index(inside, "-"); dash >= 0 {
		first = inside[:dash]
	} else if comma := strings.Index(inside, ","); comma >= 0 {
		first = inside[:comma]
	}
	return prefix + first
}
