package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
)

func TestJSONSnapshotter_WritesOnUpsertAndDelete(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	snap := NewJSONSnapshotter(s, path)
	ctx := context.Background()

	sess := &core.Session{
		User: "alice", Cluster: "della", IDE: core.IDEVSCode,
		SessionKey:  core.NewSessionKey("alice", "della", core.IDEVSCode),
		Status:      core.StatusPending,
		SubmittedAt: time.Now().Truncate(time.Second),
	}
	if err := snap.UpsertActiveSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var rows []core.Session
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(rows) != 1 || rows[0].SessionKey != sess.SessionKey {
		t.Fatalf("unexpected snapshot contents: %+v", rows)
	}

	if err := snap.DeleteActiveSession(ctx, sess.SessionKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot after delete: %v", err)
	}
	rows = nil
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("unmarshal snapshot after delete: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty snapshot after delete, got %d rows", len(rows))
	}
}

func TestNewJSONSnapshotter_EmptyPathReturnsUnwrapped(t *testing.T) {
	s := openTestStore(t)
	if got := NewJSONSnapshotter(s, ""); got != s {
		t.Fatalf("expected unwrapped persister for empty path, got %T", got)
	}
}
