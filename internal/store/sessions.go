package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
)

// sessionRow mirrors active_sessions; nullable timestamps use
// sql.NullTime since a just-submitted session has no StartedAt.
type sessionRow struct {
	SessionKey      string       `db:"session_key"`
	User            string       `db:"user"`
	Cluster         string       `db:"cluster"`
	IDE             string       `db:"ide"`
	CPUs            int          `db:"cpus"`
	Memory          string       `db:"memory"`
	Walltime        string       `db:"walltime"`
	GPU             string       `db:"gpu"`
	Account         string       `db:"account"`
	ReleaseVersion  string       `db:"release_version"`
	Status          string       `db:"status"`
	JobID           string       `db:"job_id"`
	Node            string       `db:"node"`
	Token           string       `db:"token"`
	SubmittedAt     time.Time    `db:"submitted_at"`
	StartedAt       sql.NullTime `db:"started_at"`
	TimeLeftSeconds int          `db:"time_left_seconds"`
	LastActivity    int64        `db:"last_activity"`
	Error           string       `db:"error"`
	UsedDevServer   bool         `db:"used_dev_server"`
}

func toSessionRow(s *core.Session) sessionRow {
	row := sessionRow{
		SessionKey:      string(s.SessionKey),
		User:            s.User,
		Cluster:         s.Cluster,
		IDE:             string(s.IDE),
		CPUs:            s.CPUs,
		Memory:          s.Memory,
		Walltime:        s.Walltime,
		GPU:             string(s.GPU),
		Account:         s.Account,
		ReleaseVersion:  s.ReleaseVersion,
		Status:          string(s.Status),
		JobID:           s.JobID,
		Node:            s.Node,
		Token:           s.Token,
		SubmittedAt:     s.SubmittedAt,
		TimeLeftSeconds: s.TimeLeftSeconds,
		LastActivity:    s.LastActivity,
		Error:           s.Error,
		UsedDevServer:   s.UsedDevServer,
	}
	if !s.StartedAt.IsZero() {
		row.StartedAt = sql.NullTime{Time: s.StartedAt, Valid: true}
	}
	return row
}

func (r sessionRow) toSession() *core.Session {
	s := &core.Session{
		User:            r.User,
		Cluster:         r.Cluster,
		IDE:             core.IDE(r.IDE),
		SessionKey:      core.SessionKey(r.SessionKey),
		CPUs:            r.CPUs,
		Memory:          r.Memory,
		Walltime:        r.Walltime,
		GPU:             core.GPU(r.GPU),
		Account:         r.Account,
		ReleaseVersion:  r.ReleaseVersion,
		Status:          core.Status(r.Status),
		JobID:           r.JobID,
		Node:            r.Node,
		Token:           r.Token,
		SubmittedAt:     r.SubmittedAt,
		TimeLeftSeconds: r.TimeLeftSeconds,
		LastActivity:    r.LastActivity,
		Error:           r.Error,
		UsedDevServer:   r.UsedDevServer,
	}
	if r.StartedAt.Valid {
		s.StartedAt = r.StartedAt.Time
	}
	return s
}

// UpsertActiveSession implements sessionstore.Persister.
func (s *Store) UpsertActiveSession(ctx context.Context, sess *core.Session) error {
	row := toSessionRow(sess)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO active_sessions (
			session_key, user, cluster, ide, cpus, memory, walltime, gpu, account,
			release_version, status, job_id, node, token, submitted_at, started_at,
			time_left_seconds, last_activity, error, used_dev_server
		) VALUES (
			:session_key, :user, :cluster, :ide, :cpus, :memory, :walltime, :gpu, :account,
			:release_version, :status, :job_id, :node, :token, :submitted_at, :started_at,
			:time_left_seconds, :last_activity, :error, :used_dev_server
		)
		ON CONFLICT (session_key) DO UPDATE SET
			cpus = excluded.cpus,
			memory = excluded.memory,
			walltime = excluded.walltime,
			gpu = excluded.gpu,
			account = excluded.account,
			release_version = excluded.release_version,
			status = excluded.status,
			job_id = excluded.job_id,
			node = excluded.node,
			token = excluded.token,
			started_at = excluded.started_at,
			time_left_seconds = excluded.time_left_seconds,
			last_activity = excluded.last_activity,
			error = excluded.error,
			used_dev_server = excluded.used_dev_server
	`, row)
	if err != nil {
		return fmt.Errorf("upsert active session %s: %w", sess.SessionKey, err)
	}
	return nil
}

// DeleteActiveSession implements sessionstore.Persister.
func (s *Store) DeleteActiveSession(ctx context.Context, key core.SessionKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE session_key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("delete active session %s: %w", key, err)
	}
	return nil
}

// ListActiveSessions implements sessionstore.Persister.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*core.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM active_sessions`); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	out := make([]*core.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSession())
	}
	return out, nil
}

// historyRow mirrors session_history.
type historyRow struct {
	ID              int64        `db:"id"`
	SessionKey      string       `db:"session_key"`
	User            string       `db:"user"`
	Cluster         string       `db:"cluster"`
	IDE             string       `db:"ide"`
	CPUs            int          `db:"cpus"`
	Memory          string       `db:"memory"`
	Walltime        string       `db:"walltime"`
	GPU             string       `db:"gpu"`
	Account         string       `db:"account"`
	ReleaseVersion  string       `db:"release_version"`
	JobID           string       `db:"job_id"`
	Node            string       `db:"node"`
	SubmittedAt     time.Time    `db:"submitted_at"`
	StartedAt       sql.NullTime `db:"started_at"`
	EndedAt         time.Time    `db:"ended_at"`
	WaitSeconds     float64      `db:"wait_seconds"`
	DurationMinutes float64      `db:"duration_minutes"`
	EndReason       string       `db:"end_reason"`
	ErrorMessage    string       `db:"error_message"`
	UsedDevServer   bool         `db:"used_dev_server"`
}

func toHistoryRow(h *core.SessionHistory) historyRow {
	row := historyRow{
		SessionKey:      string(h.SessionKey),
		User:            h.User,
		Cluster:         h.Cluster,
		IDE:             string(h.IDE),
		CPUs:            h.CPUs,
		Memory:          h.Memory,
		Walltime:        h.Walltime,
		GPU:             string(h.GPU),
		Account:         h.Account,
		ReleaseVersion:  h.ReleaseVersion,
		JobID:           h.JobID,
		Node:            h.Node,
		SubmittedAt:     h.SubmittedAt,
		EndedAt:         h.EndedAt,
		WaitSeconds:     h.WaitSeconds,
		DurationMinutes: h.DurationMinutes,
		EndReason:       string(h.EndReason),
		ErrorMessage:    h.ErrorMessage,
		UsedDevServer:   h.UsedDevServer,
	}
	if !h.StartedAt.IsZero() {
		row.StartedAt = sql.NullTime{Time: h.StartedAt, Valid: true}
	}
	return row
}

func (r historyRow) toHistory() *core.SessionHistory {
	h := &core.SessionHistory{
		User:            r.User,
		Cluster:         r.Cluster,
		IDE:             core.IDE(r.IDE),
		SessionKey:      core.SessionKey(r.SessionKey),
		CPUs:            r.CPUs,
		Memory:          r.Memory,
		Walltime:        r.Walltime,
		GPU:             core.GPU(r.GPU),
		Account:         r.Account,
		ReleaseVersion:  r.ReleaseVersion,
		JobID:           r.JobID,
		Node:            r.Node,
		SubmittedAt:     r.SubmittedAt,
		EndedAt:         r.EndedAt,
		WaitSeconds:     r.WaitSeconds,
		DurationMinutes: r.DurationMinutes,
		EndReason:       core.EndReason(r.EndReason),
		ErrorMessage:    r.ErrorMessage,
		UsedDevServer:   r.UsedDevServer,
	}
	if r.StartedAt.Valid {
		h.StartedAt = r.StartedAt.Time
	}
	return h
}

// InsertSessionHistory implements sessionstore.Persister.
func (s *Store) InsertSessionHistory(ctx context.Context, h *core.SessionHistory) error {
	row := toHistoryRow(h)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session_history (
			session_key, user, cluster, ide, cpus, memory, walltime, gpu, account,
			release_version, job_id, node, submitted_at, started_at, ended_at,
			wait_seconds, duration_minutes, end_reason, error_message, used_dev_server
		) VALUES (
			:session_key, :user, :cluster, :ide, :cpus, :memory, :walltime, :gpu, :account,
			:release_version, :job_id, :node, :submitted_at, :started_at, :ended_at,
			:wait_seconds, :duration_minutes, :end_reason, :error_message, :used_dev_server
		)
	`, row)
	if err != nil {
		return fmt.Errorf("insert session history %s: %w", h.SessionKey, err)
	}
	return nil
}

// ListSessionHistory implements sessionstore.Persister, filtering on
// whichever of f's fields are non-zero and paginating via
// Limit/Offset.
func (s *Store) ListSessionHistory(ctx context.Context, f core.HistoryFilters) ([]*core.SessionHistory, error) {
	query, args := historyFilterQuery("SELECT * FROM session_history", f)
	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list session history: %w", err)
	}
	out := make([]*core.SessionHistory, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toHistory())
	}
	return out, nil
}

// CountSessionHistory implements sessionstore.Persister.
func (s *Store) CountSessionHistory(ctx context.Context, f core.HistoryFilters) (int, error) {
	query, args := historyFilterQuery("SELECT COUNT(*) FROM session_history", f)
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count session history: %w", err)
	}
	return count, nil
}

func historyFilterQuery(base string, f core.HistoryFilters) (string, []any) {
	query := base
	var clauses []string
	var args []any
	if f.User != "" {
		clauses = append(clauses, "user = ?")
		args = append(args, f.User)
	}
	if f.Cluster != "" {
		clauses = append(clauses, "cluster = ?")
		args = append(args, f.Cluster)
	}
	if f.IDE != "" {
		clauses = append(clauses, "ide = ?")
		args = append(args, string(f.IDE))
	}
	if len(clauses) > 0 {
		query += " WHERE "
		for i, c := range clauses {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}
	if strings.HasPrefix(base, "SELECT *") {
		query += " ORDER BY started_at DESC"
		if f.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", f.Limit)
			if f.Offset > 0 {
				query += fmt.Sprintf(" OFFSET %d", f.Offset)
			}
		}
	}
	return query, args
}
