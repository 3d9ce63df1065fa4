package bootstrap

import (
	"context"
	"testing"

	"github.com/rchpc/ide-broker/internal/core"
)

func TestMemoryPersister_UpsertGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newMemoryPersister()

	key := core.NewSessionKey("alice", "della", core.IDEVSCode)
	sess := &core.Session{User: "alice", Cluster: "della", IDE: core.IDEVSCode, SessionKey: key, Status: core.StatusRunning}

	if err := p.UpsertActiveSession(ctx, sess); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	all, err := p.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].SessionKey != key {
		t.Fatalf("unexpected list: %+v", all)
	}

	// Mutating the session the caller holds must not mutate stored state.
	sess.Status = core.StatusStopped
	all2, _ := p.ListActiveSessions(ctx)
	if all2[0].Status != core.StatusRunning {
		t.Errorf("stored session was mutated by caller's copy: %+v", all2[0])
	}

	if err := p.DeleteActiveSession(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all3, _ := p.ListActiveSessions(ctx)
	if len(all3) != 0 {
		t.Fatalf("expected empty after delete, got %+v", all3)
	}
}

func TestMemoryPersister_SessionHistoryFilters(t *testing.T) {
	ctx := context.Background()
	p := newMemoryPersister()

	entries := []*core.SessionHistory{
		{User: "alice", Cluster: "della", IDE: core.IDEVSCode},
		{User: "alice", Cluster: "della", IDE: core.IDERStudio},
		{User: "bob", Cluster: "tiger", IDE: core.IDEVSCode},
	}
	for _, e := range entries {
		if err := p.InsertSessionHistory(ctx, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	all, err := p.ListSessionHistory(ctx, core.HistoryFilters{})
	if err != nil || len(all) != 3 {
		t.Fatalf("ListSessionHistory(no filter) = %v, %v, want 3 rows", all, err)
	}

	alice, err := p.ListSessionHistory(ctx, core.HistoryFilters{User: "alice"})
	if err != nil || len(alice) != 2 {
		t.Fatalf("ListSessionHistory(user=alice) = %v, %v, want 2 rows", alice, err)
	}

	count, err := p.CountSessionHistory(ctx, core.HistoryFilters{Cluster: "tiger"})
	if err != nil || count != 1 {
		t.Fatalf("CountSessionHistory(cluster=tiger) = %d, %v, want 1", count, err)
	}
}

func TestMemoryAppState_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemoryAppState()

	if _, ok, err := s.GetAppState(ctx, "active"); err != nil || ok {
		t.Fatalf("GetAppState(missing) = ok=%v err=%v, want ok=false", ok, err)
	}

	if err := s.SetAppState(ctx, "active", `{"user":"alice"}`); err != nil {
		t.Fatalf("SetAppState: %v", err)
	}

	v, ok, err := s.GetAppState(ctx, "active")
	if err != nil || !ok || v != `{"user":"alice"}` {
		t.Fatalf("GetAppState = %q, %v, %v, want the stored value", v, ok, err)
	}

	if err := s.SetAppState(ctx, "active", ""); err != nil {
		t.Fatalf("SetAppState(overwrite): %v", err)
	}
	v2, ok2, _ := s.GetAppState(ctx, "active")
	if !ok2 || v2 != "" {
		t.Errorf("GetAppState after overwrite = %q, %v, want empty string, true", v2, ok2)
	}
}
