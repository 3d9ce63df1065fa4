package sshclient

import (
	"testing"
	"time"
)

func TestClusterConfig_WithDefaults(t *testing.T) {
	cfg := ClusterConfig{}.withDefaults()
	if cfg.Timeout != 10*time.Second || cfg.MaxRetries != 3 || cfg.PoolSize != 4 || cfg.Port != 22 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestClusterConfig_WithDefaultsPreservesOverrides(t *testing.T) {
	cfg := ClusterConfig{Timeout: 5 * time.Second, MaxRetries: 1, PoolSize: 2, Port: 2222}.withDefaults()
	if cfg.Timeout != 5*time.Second || cfg.MaxRetries != 1 || cfg.PoolSize != 2 || cfg.Port != 2222 {
		t.Fatalf("expected overrides preserved, got %+v", cfg)
	}
}

func TestBuildClientConfig_NoAuthMethodErrors(t *testing.T) {
	_, err := buildClientConfig(ClusterConfig{User: "alice", HostKeyCallback: "ignore"}.withDefaults())
	if err != ErrNoAuthMethod {
		t.Fatalf("expected ErrNoAuthMethod, got %v", err)
	}
}

func TestBuildClientConfig_PasswordAuth(t *testing.T) {
	cfg, err := buildClientConfig(ClusterConfig{User: "alice", Password: "secret", HostKeyCallback: "ignore"}.withDefaults())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.User != "alice" || len(cfg.Auth) != 1 {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
}

func TestHostKeyCallback_IgnoreIsExplicit(t *testing.T) {
	cb, err := hostKeyCallback(ClusterConfig{HostKeyCallback: "ignore"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cb("", nil, nil); err != nil {
		t.Fatalf("expected insecure callback to accept any key, got %v", err)
	}
}

func TestHostKeyCallback_MissingKnownHostsFallsBackWhenUnset(t *testing.T) {
	cb, err := hostKeyCallback(ClusterConfig{KnownHostsPath: "/nonexistent/known_hosts"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb == nil {
		t.Fatal("expected a fallback insecure callback")
	}
}

func TestHostKeyCallback_MissingKnownHostsErrorsWhenExplicit(t *testing.T) {
	_, err := hostKeyCallback(ClusterConfig{HostKeyCallback: "known_hosts", KnownHostsPath: "/nonexistent/known_hosts"})
	if err == nil {
		t.Fatal("expected error when known_hosts explicitly required but missing")
	}
}
