package launch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/jobpoller"
	"github.com/rchpc/ide-broker/internal/portalloc"
	"github.com/rchpc/ide-broker/internal/proxyregistry"
	"github.com/rchpc/ide-broker/internal/sessionstore"
	"github.com/rchpc/ide-broker/internal/statemanager"
	"github.com/rchpc/ide-broker/internal/tunnel"
)

type fakePersister struct {
	active  map[core.SessionKey]*core.Session
	history []*core.SessionHistory
}

func newFakePersister() *fakePersister {
	return &fakePersister{active: make(map[core.SessionKey]*core.Session)}
}
func (f *fakePersister) UpsertActiveSession(ctx context.Context, s *core.Session) error {
	cp := *s
	f.active[s.SessionKey] = &cp
	return nil
}
func (f *fakePersister) DeleteActiveSession(ctx context.Context, key core.SessionKey) error {
	delete(f.active, key)
	return nil
}
func (f *fakePersister) ListActiveSessions(ctx context.Context) ([]*core.Session, error) {
	var out []*core.Session
	for _, s := range f.active {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakePersister) InsertSessionHistory(ctx context.Context, h *core.SessionHistory) error {
	f.history = append(f.history, h)
	return nil
}
func (f *fakePersister) ListSessionHistory(ctx context.Context, filt core.HistoryFilters) ([]*core.SessionHistory, error) {
	return f.history, nil
}
func (f *fakePersister) CountSessionHistory(ctx context.Context, filt core.HistoryFilters) (int, error) {
	return len(f.history), nil
}

type fakeAppState struct{ vals map[string]string }

func newFakeAppState() *fakeAppState { return &fakeAppState{vals: make(map[string]string)} }
func (a *fakeAppState) GetAppState(ctx context.Context, key string) (string, bool, error) {
	v, ok := a.vals[key]
	return v, ok, nil
}
func (a *fakeAppState) SetAppState(ctx context.Context, key, value string) error {
	a.vals[key] = value
	return nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, submit SubmitFunc, cancel CancelFunc) *Launcher {
	t.Helper()
	clock := &fixedClock{t: time.Now()}
	sessions := sessionstore.New(newFakePersister(), clock, testLogger())
	manager := statemanager.New(sessions, newFakeAppState(), nil,
		func(ctx context.Context, cluster, user string) (string, error) { return "acct1", nil },
		clock, []string{"gemini"}, testLogger())
	poller := jobpoller.New(sessions, manager, []string{"gemini"}, nil, clock, testLogger())

	ports := portalloc.NewRegistry()
	allocator := portalloc.NewAllocator()
	proxies := proxyregistry.New(ports, testLogger())
	tunnels := tunnel.New(ports, allocator, func(ctx context.Context, cluster string) (*ssh.Client, error) {
		return nil, errors.New("dial not wired in this test harness")
	}, proxies, testLogger())

	return New(sessions, manager, tunnels, proxies, poller, submit, cancel, []string{"gemini"}, nil, testLogger())
}

func validOpts() Options {
	return Options{CPUs: 4, Memory: "16G", Walltime: "01:00:00", GPU: core.GPUNone}
}

func TestLauncher_LaunchSubmitsAndMarksPending(t *testing.T) {
	var submittedCluster string
	submit := func(ctx context.Context, cluster string, spec *core.Session) (string, error) {
		submittedCluster = cluster
		return "123", nil
	}
	l := newHarness(t, submit, nil)

	sess, err := l.Launch(context.Background(), "alice", "gemini", core.IDEVSCode, validOpts())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if sess.Status != core.StatusPending || sess.JobID != "123" {
		t.Fatalf("unexpected session after launch: %+v", sess)
	}
	if submittedCluster != "gemini" {
		t.Fatalf("expected submit on gemini, got %q", submittedCluster)
	}
}

func TestLauncher_LaunchRejectsUnknownCluster(t *testing.T) {
	l := newHarness(t, nil, nil)
	_, err := l.Launch(context.Background(), "alice", "nonexistent", core.IDEVSCode, validOpts())
	assertValidationError(t, err)
}

func TestLauncher_LaunchRejectsMalformedWalltime(t *testing.T) {
	l := newHarness(t, nil, nil)
	opts := validOpts()
	opts.Walltime = "not-a-time"
	_, err := l.Launch(context.Background(), "alice", "gemini", core.IDEVSCode, opts)
	assertValidationError(t, err)
}

func TestLauncher_LaunchRejectsMalformedMemory(t *testing.T) {
	l := newHarness(t, nil, nil)
	opts := validOpts()
	opts.Memory = "lots"
	_, err := l.Launch(context.Background(), "alice", "gemini", core.IDEVSCode, opts)
	assertValidationError(t, err)
}

func TestLauncher_LaunchRejectsUnknownGPU(t *testing.T) {
	l := newHarness(t, nil, nil)
	opts := validOpts()
	opts.GPU = "h100"
	_, err := l.Launch(context.Background(), "alice", "gemini", core.IDEVSCode, opts)
	assertValidationError(t, err)
}

func TestLauncher_LaunchSubmitFailureLeavesSessionIdleWithError(t *testing.T) {
	submit := func(ctx context.Context, cluster string, spec *core.Session) (string, error) {
		return "", errors.New("sbatch: invalid partition")
	}
	l := newHarness(t, submit, nil)

	_, err := l.Launch(context.Background(), "alice", "gemini", core.IDEVSCode, validOpts())
	if err == nil {
		t.Fatal("expected submit failure to propagate")
	}

	key := core.NewSessionKey("alice", "gemini", core.IDEVSCode)
	sess, ok := l.sessions.Get(key)
	if !ok {
		t.Fatal("expected session to remain registered after failed submit")
	}
	if sess.Status != core.StatusIdle || sess.Error == "" {
		t.Fatalf("expected idle session with recorded error, got %+v", sess)
	}
}

func TestLauncher_LaunchRejectsAlreadyActiveSession(t *testing.T) {
	submit := func(ctx context.Context, cluster string, spec *core.Session) (string, error) { return "1", nil }
	l := newHarness(t, submit, nil)
	ctx := context.Background()

	if _, err := l.Launch(ctx, "alice", "gemini", core.IDEVSCode, validOpts()); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, err := l.Launch(ctx, "alice", "gemini", core.IDEVSCode, validOpts()); err == nil {
		t.Fatal("expected second launch against the same pending session to fail")
	}
}

func TestLauncher_StopCancelsJobAndClears(t *testing.T) {
	submit := func(ctx context.Context, cluster string, spec *core.Session) (string, error) { return "55", nil }
	var cancelledJob string
	cancel := func(ctx context.Context, cluster, jobID string) error {
		cancelledJob = jobID
		return nil
	}
	l := newHarness(t, submit, cancel)
	ctx := context.Background()

	sess, err := l.Launch(ctx, "alice", "gemini", core.IDEVSCode, validOpts())
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := l.Stop(ctx, sess.SessionKey); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cancelledJob != "55" {
		t.Fatalf("expected cancel called with job 55, got %q", cancelledJob)
	}
	if _, ok := l.sessions.Get(sess.SessionKey); ok {
		t.Fatal("expected session to be cleared after stop")
	}
}

func TestLauncher_StopUnknownSessionFails(t *testing.T) {
	l := newHarness(t, nil, nil)
	err := l.Stop(context.Background(), core.NewSessionKey("nobody", "gemini", core.IDEVSCode))
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestLauncher_OnRunningSkipsWithoutComputeNode(t *testing.T) {
	l := newHarness(t, nil, nil)
	l.onRunning(context.Background(), &core.Session{SessionKey: "x", IDE: core.IDEVSCode, Node: ""})
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	de, ok := err.(*core.DomainError)
	if !ok || de.Code != core.ErrorCodeValidation {
		t.Fatalf("expected ErrorCodeValidation, got %v", err)
	}
}
