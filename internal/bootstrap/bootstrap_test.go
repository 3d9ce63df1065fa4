package bootstrap

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/rchpc/ide-broker/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeTestKey generates a throwaway ed25519 private key and writes it
// to dir/id_ed25519, returning its path. sshclient.Configure reads the
// key file eagerly, so every bootstrap test needs one on disk.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

const testConfigTemplate = `
ssh_private_key_path: %s
use_sqlite: false
enable_state_persistence: false
clusters:
  - name: della
    host: della.example.edu
    partition: cpu
`

func newTestApp(t *testing.T) (*App, func()) {
	t.Helper()
	dir := t.TempDir()
	keyPath := writeTestKey(t, dir)

	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(fmt.Sprintf(testConfigTemplate, keyPath)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	app, cleanup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app, cleanup
}

func TestNew_WiresEveryComponent(t *testing.T) {
	app, cleanup := newTestApp(t)
	defer cleanup()

	if app.SSH == nil || app.Queue == nil || app.Sessions == nil || app.Manager == nil {
		t.Fatal("expected core components to be wired")
	}
	if app.Cache == nil || app.Partitions == nil || app.Refresher == nil {
		t.Fatal("expected cluster-state components to be wired")
	}
	if app.JobPoller == nil || app.Health == nil || app.Reaper == nil {
		t.Fatal("expected pollers to be wired")
	}
	if app.Ports == nil || app.Allocator == nil || app.Proxies == nil || app.Tunnels == nil {
		t.Fatal("expected proxy/tunnel components to be wired")
	}
	if app.Launcher == nil {
		t.Fatal("expected launcher to be wired")
	}
	if app.DB != nil {
		t.Fatal("expected no sqlite store when use_sqlite is false")
	}
}

func TestNew_RejectsNoClusters(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeTestKey(t, dir)
	t.Chdir(dir)
	body := fmt.Sprintf("ssh_private_key_path: %s\nuse_sqlite: false\nclusters: []\n", keyPath)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	if _, _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for no configured clusters")
	}
}

func TestApp_ListenersReturnsThreePollers(t *testing.T) {
	app, cleanup := newTestApp(t)
	defer cleanup()

	listeners := app.Listeners()
	if len(listeners) != 3 {
		t.Fatalf("expected 3 listeners, got %d", len(listeners))
	}
}

func TestApp_ShutdownIsIdempotentAndSafe(t *testing.T) {
	app, cleanup := newTestApp(t)
	defer cleanup()

	app.Shutdown()
	app.Shutdown()
}

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
	}{
		{"della.example.edu", "della.example.edu", 0},
		{"della.example.edu:2222", "della.example.edu", 2222},
		{"della.example.edu:notaport", "della.example.edu:notaport", 0},
	}
	for _, c := range cases {
		host, port := splitHostPort(c.in)
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("splitHostPort(%q) = (%q, %d), want (%q, %d)", c.in, host, port, c.wantHost, c.wantPort)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got, err := expandHome("~/.ssh/id_rsa")
	if err != nil {
		t.Fatalf("expandHome: %v", err)
	}
	want := filepath.Join(home, ".ssh", "id_rsa")
	if got != want {
		t.Errorf("expandHome(~/.ssh/id_rsa) = %q, want %q", got, want)
	}

	if got, err := expandHome("/abs/path"); err != nil || got != "/abs/path" {
		t.Errorf("expandHome(/abs/path) = (%q, %v), want (/abs/path, nil)", got, err)
	}
}

func TestClusterDefinitionLookup(t *testing.T) {
	cfg, cleanup := newTestApp(t)
	defer cleanup()

	defs, err := cfg.Config.Clusters()
	if err != nil {
		t.Fatalf("Clusters: %v", err)
	}
	byName := make(map[string]config.ClusterDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	lookup := clusterDefinitionLookup(byName)
	partition, _, _, _, _, _, ok := lookup("della")
	if !ok || partition != "cpu" {
		t.Errorf("lookup(della) = (%q, ok=%v), want (cpu, true)", partition, ok)
	}

	if _, _, _, _, _, _, ok := lookup("nonexistent"); ok {
		t.Error("lookup(nonexistent) should report ok=false")
	}
}
