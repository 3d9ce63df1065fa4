// Package bootstrap assembles every broker component into a running
// App: it is the hand-written equivalent of a Wire injector, wiring
// concrete adapters (SQLite store, pooled SSH client) behind the
// interfaces the domain components depend on, in dependency order.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/rchpc/ide-broker/internal/clustercache"
	"github.com/rchpc/ide-broker/internal/config"
	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/healthpoller"
	"github.com/rchpc/ide-broker/internal/idlereaper"
	"github.com/rchpc/ide-broker/internal/jobpoller"
	"github.com/rchpc/ide-broker/internal/launch"
	"github.com/rchpc/ide-broker/internal/partition"
	"github.com/rchpc/ide-broker/internal/portalloc"
	"github.com/rchpc/ide-broker/internal/proxyregistry"
	"github.com/rchpc/ide-broker/internal/sessionstore"
	"github.com/rchpc/ide-broker/internal/sshclient"
	"github.com/rchpc/ide-broker/internal/sshqueue"
	"github.com/rchpc/ide-broker/internal/statemanager"
	"github.com/rchpc/ide-broker/internal/store"
	"github.com/rchpc/ide-broker/internal/transport"
	"github.com/rchpc/ide-broker/internal/tunnel"
)

// App holds every wired component plus the resources a graceful
// shutdown needs to close in order: stop pollers, drain SSH queues,
// destroy proxies, close tunnels, flush the session store, per
// spec §5's shutdown sequence.
type App struct {
	Config *config.Config

	SSH        *sshclient.Client
	Queue      *sshqueue.Queue
	DB         *store.Store
	Sessions   *sessionstore.Store
	Manager    *statemanager.Manager
	Cache      *clustercache.Cache
	Partitions *partition.Store
	Refresher  *partition.Refresher
	JobPoller  *jobpoller.Poller
	Health     *healthpoller.Poller
	HealthHist *healthpoller.History
	Ports      *portalloc.Registry
	Allocator  *portalloc.Allocator
	Proxies    *proxyregistry.Registry
	Tunnels    *tunnel.Manager
	Reaper     *idlereaper.Reaper
	Launcher   *launch.Launcher

	log *slog.Logger
}

// New wires every component against cfg and returns the assembled App
// plus a cleanup function that releases the SSH pool and database
// handle. Cluster SSH connections are configured but not dialled;
// connections are established lazily on first use.
func New(cfg *config.Config, log *slog.Logger) (*App, func(), error) {
	clusterDefs, err := cfg.Clusters()
	if err != nil {
		return nil, nil, fmt.Errorf("load cluster definitions: %w", err)
	}
	if len(clusterDefs) == 0 {
		return nil, nil, fmt.Errorf("no clusters configured")
	}

	clusterNames := make([]string, 0, len(clusterDefs))
	byName := make(map[string]config.ClusterDefinition, len(clusterDefs))
	for _, cd := range clusterDefs {
		clusterNames = append(clusterNames, cd.Name)
		byName[cd.Name] = cd
	}

	clock := core.RealClock{}

	sshClient := sshclient.New(log)
	privateKeyPath, err := expandHome(cfg.SSHPrivateKeyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("resolve ssh private key path: %w", err)
	}
	for _, cd := range clusterDefs {
		host, port := splitHostPort(cd.Host)
		if err := sshClient.Configure(cd.Name, sshclient.ClusterConfig{
			Host: host, Port: port, User: cfg.SSHUser(), PrivateKeyPath: privateKeyPath,
		}); err != nil {
			return nil, nil, fmt.Errorf("configure ssh for cluster %s: %w", cd.Name, err)
		}
	}

	queue := sshqueue.New(log)
	queuedExec := func(ctx context.Context, cluster, command string) (string, error) {
		return sshqueue.Do(ctx, queue, cluster, func(ctx context.Context) (string, error) {
			return sshClient.Exec(ctx, cluster, command)
		})
	}

	var db *store.Store
	var sessionPersist sessionstore.Persister
	var appStatePersist statemanager.AppStatePersister
	if cfg.UseSQLite() {
		db, err = store.Open(cfg.DBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		sessionPersist = db
		appStatePersist = db
	} else {
		sessionPersist = newMemoryPersister()
		appStatePersist = newMemoryAppState()
	}
	if cfg.EnableStatePersistence() {
		sessionPersist = store.NewJSONSnapshotter(sessionPersist, cfg.StateFile())
	}

	sessions := sessionstore.New(sessionPersist, clock, log)

	jobStatus := newJobStatusFunc(queuedExec)
	fetchAcct := newAccountFetchFunc(queuedExec)
	manager := statemanager.New(sessions, appStatePersist, jobStatus, fetchAcct, clock, clusterNames, log)

	cache := clustercache.New(clock)
	partitions := partition.NewStore(clock)
	refresher := partition.NewRefresher(partitions, queuedExec, log)

	poller := jobpoller.New(sessions, manager, clusterNames, newListJobsFunc(queuedExec), clock, log)

	history := healthpoller.NewHistory(clock)
	sample := newSampleFunc(queuedExec, cfg.SSHUser())
	health := healthpoller.New(cache, history, clusterNames, sample, clock, log)

	ports := portalloc.NewRegistry()
	allocator := portalloc.NewAllocator()
	proxies := proxyregistry.New(ports, log)
	dial := func(ctx context.Context, cluster string) (*ssh.Client, error) {
		return sshClient.Dial(ctx, cluster)
	}
	tunnels := tunnel.New(ports, allocator, dial, proxies, log)
	manager.OnSessionCleared(tunnels.OnSessionCleared)

	cancelJob := newCancelFunc(queuedExec)
	reaper := idlereaper.New(sessions, manager, queue, cancelJob, clock, cfg.SessionIdleTimeout(), log)

	lookup := clusterDefinitionLookup(byName)
	submit := newSubmitFunc(queuedExec, lookup)
	launcher := launch.New(sessions, manager, tunnels, proxies, poller, submit, cancelJob, clusterNames, cfg.AdditionalPorts(), log)

	proxies.SetTokenLookup(func(ide core.IDE) (string, bool) {
		ptr := manager.ActiveSession()
		if ptr == nil || ptr.IDE != ide {
			return "", false
		}
		sess, ok := sessions.Get(core.NewSessionKey(ptr.User, ptr.Cluster, ptr.IDE))
		if !ok || sess.Token == "" {
			return "", false
		}
		return sess.Token, true
	})
	proxies.SetActivityCallback(func(key core.SessionKey) {
		if err := sessions.MarkDevServerUsed(context.Background(), key); err != nil {
			log.Warn("record proxy activity failed", "key", key, "error", err)
		}
	})

	app := &App{
		Config: cfg, SSH: sshClient, Queue: queue, DB: db, Sessions: sessions, Manager: manager,
		Cache: cache, Partitions: partitions, Refresher: refresher, JobPoller: poller,
		Health: health, HealthHist: history, Ports: ports, Allocator: allocator,
		Proxies: proxies, Tunnels: tunnels, Reaper: reaper, Launcher: launcher, log: log,
	}

	cleanup := func() {
		if err := sshClient.Close(); err != nil {
			log.Warn("close ssh client failed", "error", err)
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Warn("close store failed", "error", err)
			}
		}
	}
	return app, cleanup, nil
}

// Start performs the start-up load/reconcile pipeline (legacy import,
// load from store, reconciliation against live SLURM state, an
// initial partition refresh) before the caller hands the App's
// pollers to transport.Serve.
func (a *App) Start(ctx context.Context) error {
	if err := a.Manager.LegacyImport(ctx, a.Config.StateFile()); err != nil {
		a.log.Warn("legacy state import failed", "error", err)
	}
	if err := a.Manager.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := a.Refresher.RefreshAll(ctx, a.clusterNames()); err != nil {
		a.log.Warn("initial partition refresh failed", "error", err)
	}
	return nil
}

// Listeners returns every background loop transport.Serve should
// drive concurrently.
func (a *App) Listeners() []transport.Listener {
	return []transport.Listener{a.JobPoller, a.Health, a.Reaper}
}

// Shutdown drains the SSH queue, then tears down proxies and tunnels,
// once transport.Serve has already stopped the pollers, per spec §5's
// graceful shutdown ordering.
func (a *App) Shutdown() {
	a.Queue.Close()
	a.Proxies.DestroyAll()
	a.Tunnels.CloseAll()
}

func (a *App) clusterNames() []string {
	defs, err := a.Config.Clusters()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func clusterDefinitionLookup(byName map[string]config.ClusterDefinition) clusterLookup {
	return func(cluster string) (partition, containerImage string, bindPaths, libraryPaths []string, gpuPartition, gpuGres string, ok bool) {
		cd, found := byName[cluster]
		if !found {
			return "", "", nil, nil, "", "", false
		}
		if cd.GPU != nil {
			gpuPartition, gpuGres = cd.GPU.Partition, cd.GPU.Gres
		}
		return cd.Partition, cd.ContainerImage, cd.BindPaths, cd.LibraryPaths, gpuPartition, gpuGres, true
	}
}

// splitHostPort separates an optional ":port" suffix from host,
// defaulting to sshclient's own port-22 default when absent.
func splitHostPort(host string) (string, int) {
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		if port, err := parsePort(host[idx+1:]); err == nil {
			return host[:idx], port
		}
	}
	return host, 0
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// expandHome resolves a leading "~" against the process's home
// directory, the convention sshclient's host-key lookup also follows.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
