// Package sshclient is the real core.SshExec adapter: per-cluster
// pooled SSH connections to the login host, executing SLURM CLI
// commands and propagating context cancellation as SIGTERM.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rchpc/ide-broker/internal/core"
)

var (
	ErrNoAuthMethod   = errors.New("no ssh authentication method configured")
	ErrUnknownCluster = errors.New("no ssh configuration for cluster")
)

type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
	inUse    bool
}

type clusterPool struct {
	addr   string
	config *ssh.ClientConfig
	dial   time.Duration

	mu   sync.Mutex
	cond *sync.Cond
	pool []*pooledConn
	size int
}

// Client implements core.SshExec over a pool of SSH connections, one
// pool per configured cluster.
type Client struct {
	mu       sync.RWMutex
	clusters map[string]*clusterPool
	log      *slog.Logger
}

func New(log *slog.Logger) *Client {
	return &Client{clusters: make(map[string]*clusterPool), log: log.With("component", "sshclient")}
}

// Configure registers (or replaces) the login configuration for
// cluster. It does not dial; connections are established lazily on
// first Exec.
func (c *Client) Configure(cluster string, cfg ClusterConfig) error {
	cfg = cfg.withDefaults()
	clientConfig, err := buildClientConfig(cfg)
	if err != nil {
		return err
	}

	cp := &clusterPool{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		config: clientConfig,
		dial:   cfg.Timeout,
		size:   cfg.PoolSize,
	}
	cp.cond = sync.NewCond(&cp.mu)

	c.mu.Lock()
	c.clusters[cluster] = cp
	c.mu.Unlock()
	return nil
}

func buildClientConfig(cfg ClusterConfig) (*ssh.ClientConfig, error) {
	clientConfig := &ssh.ClientConfig{User: cfg.User, Timeout: cfg.Timeout}

	switch {
	case cfg.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		clientConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case cfg.PrivateKeyPath != "":
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		clientConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case cfg.Password != "":
		clientConfig.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	default:
		return nil, ErrNoAuthMethod
	}

	callback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	clientConfig.HostKeyCallback = callback
	return clientConfig, nil
}

func hostKeyCallback(cfg ClusterConfig) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyCallback == "ignore" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if cfg.HostKeyCallback == "known_hosts" {
			return nil, fmt.Errorf("known_hosts file not found at %s: %w", path, err)
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(path)
}

// Exec implements core.SshExec: run command on cluster's login host,
// over a pooled connection, returning combined stdout/stderr.
func (c *Client) Exec(ctx context.Context, cluster, command string) (string, error) {
	cp, err := c.pool(cluster)
	if err != nil {
		return "", core.NewDomainError(core.ErrorCodeSsh, "no ssh config", err)
	}

	client, err := cp.acquire(ctx)
	if err != nil {
		return "", core.NewDomainError(core.ErrorCodeSsh, "acquire connection", err)
	}
	defer cp.release(client)

	session, err := client.NewSession()
	if err != nil {
		cp.drop(client)
		return "", core.NewDomainError(core.ErrorCodeSsh, "open session", err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-done:
		}
	}()

	output, execErr := session.CombinedOutput(command)
	close(done)

	if ctx.Err() != nil {
		return "", core.NewDomainError(core.ErrorCodeSsh, "command cancelled", ctx.Err())
	}
	if execErr != nil {
		return string(output), core.NewDomainError(core.ErrorCodeSsh, "command failed", execErr).
			WithDetails(map[string]any{"cluster": cluster, "command": command, "output": string(output)})
	}
	return string(output), nil
}

func (c *Client) pool(cluster string) (*clusterPool, error) {
	c.mu.RLock()
	cp, ok := c.clusters[cluster]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	return cp, nil
}

func (cp *clusterPool) acquire(ctx context.Context) (*ssh.Client, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, pc := range cp.pool {
		if !pc.inUse && pc.client != nil {
			pc.inUse = true
			pc.lastUsed = time.Now()
			return pc.client, nil
		}
	}

	if len(cp.pool) < cp.size {
		client, err := cp.dialWithRetryLocked(ctx)
		if err != nil {
			return nil, err
		}
		cp.pool = append(cp.pool, &pooledConn{client: client, lastUsed: time.Now(), inUse: true})
		return client, nil
	}

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, pc := range cp.pool {
			if !pc.inUse && pc.client != nil {
				pc.inUse = true
				pc.lastUsed = time.Now()
				return pc.client, nil
			}
		}
		cp.cond.Wait()
	}
}

func (cp *clusterPool) dialWithRetryLocked(ctx context.Context) (*ssh.Client, error) {
	maxAttempts := 3
	var lastErr error
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		client, err := ssh.Dial("tcp", cp.addr, cp.config)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	return nil, lastErr
}

func (cp *clusterPool) release(client *ssh.Client) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, pc := range cp.pool {
		if pc.client == client {
			pc.inUse = false
			pc.lastUsed = time.Now()
		}
	}
	cp.cond.Signal()
}

// drop evicts a connection that errored out of the pool entirely so a
// later acquire redials instead of handing back a dead client.
func (cp *clusterPool) drop(client *ssh.Client) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for i, pc := range cp.pool {
		if pc.client == client {
			_ = pc.client.Close()
			cp.pool = append(cp.pool[:i], cp.pool[i+1:]...)
			break
		}
	}
	cp.cond.Signal()
}

// Dial opens a fresh, unpooled SSH connection to cluster's login
// host, for callers (TunnelManager) that need long-lived exclusive
// ownership of the connection rather than a pooled, short-lived one.
func (c *Client) Dial(ctx context.Context, cluster string) (*ssh.Client, error) {
	cp, err := c.pool(cluster)
	if err != nil {
		return nil, err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.dialWithRetryLocked(ctx)
}

// Close shuts down every pooled connection across every cluster.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cp := range c.clusters {
		cp.mu.Lock()
		for _, pc := range cp.pool {
			_ = pc.client.Close()
		}
		cp.pool = nil
		cp.mu.Unlock()
	}
	return nil
}
