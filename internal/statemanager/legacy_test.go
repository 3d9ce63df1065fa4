package statemanager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/sessionstore"
)

func TestManager_LegacyImportCreatesMissingSessions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	rows := []core.Session{
		{User: "alice", Cluster: "della", IDE: core.IDEVSCode, Status: core.StatusRunning, JobID: "1"},
	}
	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	persist := newFakePersister()
	sessions := sessionstore.New(persist, &fixedClock{t: time.Now()}, testLogger())
	m := New(sessions, newFakeAppState(), nil, nil, &fixedClock{t: time.Now()}, []string{"della"}, testLogger())

	ctx := context.Background()
	if err := m.LegacyImport(ctx, path); err != nil {
		t.Fatalf("legacy import: %v", err)
	}

	key := core.NewSessionKey("alice", "della", core.IDEVSCode)
	if _, ok := sessions.Get(key); !ok {
		t.Fatal("expected imported session to be present")
	}
}

func TestManager_LegacyImportSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	rows := []core.Session{
		{User: "bob", Cluster: "della", IDE: core.IDERStudio, Status: core.StatusRunning, JobID: "9"},
	}
	data, _ := json.Marshal(rows)
	os.WriteFile(path, data, 0o600)

	persist := newFakePersister()
	sessions := sessionstore.New(persist, &fixedClock{t: time.Now()}, testLogger())
	ctx := context.Background()
	sessions.Create(ctx, "bob", "della", core.IDERStudio, core.Session{Status: core.StatusRunning, JobID: "already-here"})

	m := New(sessions, newFakeAppState(), nil, nil, &fixedClock{t: time.Now()}, []string{"della"}, testLogger())
	if err := m.LegacyImport(ctx, path); err != nil {
		t.Fatalf("legacy import: %v", err)
	}

	key := core.NewSessionKey("bob", "della", core.IDERStudio)
	sess, _ := sessions.Get(key)
	if sess.JobID != "already-here" {
		t.Fatalf("expected existing session to survive unchanged, got jobID=%q", sess.JobID)
	}
}

func TestManager_LegacyImportMissingFileIsNotAnError(t *testing.T) {
	persist := newFakePersister()
	sessions := sessionstore.New(persist, &fixedClock{t: time.Now()}, testLogger())
	m := New(sessions, newFakeAppState(), nil, nil, &fixedClock{t: time.Now()}, []string{"della"}, testLogger())

	if err := m.LegacyImport(context.Background(), filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
}
