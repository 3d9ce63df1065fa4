// Package core holds the domain types and ports shared by every
// broker component: sessions, cluster health, partition limits, and
// the interfaces ("ports") that adapters (SSH execution, the
// persistent store, the system clock) implement.
package core

import (
	"fmt"
	"strings"
	"time"
)

// IDE is the closed set of interactive development environments the
// broker can launch.
type IDE string

const (
	IDEVSCode  IDE = "vscode"
	IDERStudio IDE = "rstudio"
	IDEJupyter IDE = "jupyter"
)

func (i IDE) Valid() bool {
	switch i {
	case IDEVSCode, IDERStudio, IDEJupyter:
		return true
	}
	return false
}

// JobName is the outward SLURM job name used to attribute queued jobs
// back to a session: "hpc-<ide>".
func (i IDE) JobName() string { return "hpc-" + string(i) }

// GPU is the closed set of GPU resource requests a session may carry.
type GPU string

const (
	GPUNone GPU = "none"
	GPUA100 GPU = "a100"
	GPUV100 GPU = "v100"
)

func (g GPU) Valid() bool {
	switch g {
	case "", GPUNone, GPUA100, GPUV100:
		return true
	}
	return false
}

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// EndReason records why a session was archived to history.
type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonCancelled  EndReason = "cancelled"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonReconciled EndReason = "reconciled"
	EndReasonError      EndReason = "error"
)

// SessionKey is the opaque composite identity "user-cluster-ide".
// Parsing is last-token / second-to-last-token / remainder, since
// usernames may themselves contain hyphens.
type SessionKey string

// NewSessionKey encodes the three identity fields into a SessionKey.
func NewSessionKey(user, cluster string, ide IDE) SessionKey {
	return SessionKey(fmt.Sprintf("%s-%s-%s", user, cluster, string(ide)))
}

// Parse decodes a SessionKey back into its three components. The IDE
// is the last hyphen-delimited token, the cluster is the second to
// last, and everything before that (rejoined with hyphens) is the
// user, so that usernames containing hyphens round-trip correctly.
func (k SessionKey) Parse() (user, cluster string, ide IDE, ok bool) {
	parts := strings.Split(string(k), "-")
	if len(parts) < 3 {
		return "", "", "", false
	}
	ide = IDE(parts[len(parts)-1])
	cluster = parts[len(parts)-2]
	user = strings.Join(parts[:len(parts)-2], "-")
	if user == "" || cluster == "" || !ide.Valid() {
		return "", "", "", false
	}
	return user, cluster, ide, true
}

// Session is the authoritative record for one interactive IDE
// attempt. SessionStore is its exclusive owner; every other
// component reads it through SessionStore's accessors.
type Session struct {
	// Identity.
	User       string
	Cluster    string
	IDE        IDE
	SessionKey SessionKey

	// Resource request.
	CPUs           int
	Memory         string // e.g. "40G"
	Walltime       string // "HH:MM:SS" or "D-HH:MM:SS"
	GPU            GPU
	Account        string
	ReleaseVersion string

	// Runtime.
	Status          Status
	JobID           string // nullable: empty means unset
	Node            string // nullable
	Token           string // nullable, per-IDE auth secret
	SubmittedAt     time.Time
	StartedAt       time.Time // zero value means unset
	TimeLeftSeconds int
	LastActivity    int64 // unix ms, 0 means unset
	Error           string

	// Flags.
	UsedDevServer bool

	// Ephemeral, never persisted.
	TunnelProcess any
}

// HasJob reports whether the session has an assigned SLURM job id,
// the invariant required for status ∈ {pending, running}.
func (s *Session) HasJob() bool { return s.JobID != "" }

// ActiveSessionPointer names the session a proxy-time token lookup
// treats as "foreground" for the current user.
type ActiveSessionPointer struct {
	User    string
	Cluster string
	IDE     IDE
}

// SessionHistory is an immutable archived record, created when a
// session is cleared.
type SessionHistory struct {
	User            string
	Cluster         string
	IDE             IDE
	SessionKey      SessionKey
	CPUs            int
	Memory          string
	Walltime        string
	GPU             GPU
	Account         string
	ReleaseVersion  string
	JobID           string
	Node            string
	SubmittedAt     time.Time
	StartedAt       time.Time
	EndedAt         time.Time
	WaitSeconds     float64
	DurationMinutes float64
	EndReason       EndReason
	ErrorMessage    string
	UsedDevServer   bool
}

// NewSessionHistory archives s with the given end reason and
// timestamp, computing WaitSeconds and DurationMinutes from the
// session's recorded timestamps.
func NewSessionHistory(s *Session, endedAt time.Time, reason EndReason, errMsg string) *SessionHistory {
	h := &SessionHistory{
		User:            s.User,
		Cluster:         s.Cluster,
		IDE:             s.IDE,
		SessionKey:      s.SessionKey,
		CPUs:            s.CPUs,
		Memory:          s.Memory,
		Walltime:        s.Walltime,
		GPU:             s.GPU,
		Account:         s.Account,
		ReleaseVersion:  s.ReleaseVersion,
		JobID:           s.JobID,
		Node:            s.Node,
		SubmittedAt:     s.SubmittedAt,
		StartedAt:       s.StartedAt,
		EndedAt:         endedAt,
		EndReason:       reason,
		ErrorMessage:    errMsg,
		UsedDevServer:   s.UsedDevServer,
	}
	if !s.StartedAt.IsZero() {
		if !s.SubmittedAt.IsZero() {
			h.WaitSeconds = s.StartedAt.Sub(s.SubmittedAt).Seconds()
		}
		h.DurationMinutes = endedAt.Sub(s.StartedAt).Minutes()
	}
	return h
}

// HistoryFilters narrows a SessionStore.GetHistory/Count query.
type HistoryFilters struct {
	User    string
	Cluster string
	IDE     IDE
	Limit   int
	Offset  int
}
