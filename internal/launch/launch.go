// Package launch implements the control flow spec §3 describes but
// assigns to no single lettered component: an external launch/stop
// request acquires a StateManager operation lock, flows through
// SSHQueue to submit or cancel the SLURM job, mutates SessionStore,
// and on the transition to running opens a tunnel and proxy. Keeping
// this orchestration in its own package (rather than folding it into
// StateManager) keeps StateManager itself a narrow lock/cache/fan-out
// component, the same separation the teacher draws between its
// session store and its higher-level agent reconciliation loop.
package launch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/jobpoller"
	"github.com/rchpc/ide-broker/internal/proxyregistry"
	"github.com/rchpc/ide-broker/internal/sessionstore"
	"github.com/rchpc/ide-broker/internal/slurmtext"
	"github.com/rchpc/ide-broker/internal/statemanager"
	"github.com/rchpc/ide-broker/internal/tunnel"
)

// remotePort is the fixed in-container listen port each IDE server
// binds to; TunnelManager's -L forward always targets this port on
// whichever compute node the job lands on.
var remotePort = map[core.IDE]int{
	core.IDEVSCode:  8080,
	core.IDERStudio: 8787,
	core.IDEJupyter: 8888,
}

// SubmitFunc submits spec as a SLURM batch job on cluster and returns
// its job id. Implementations run over SSHQueue so submission is
// serialised against every other command issued to the same cluster.
type SubmitFunc func(ctx context.Context, cluster string, spec *core.Session) (jobID string, err error)

// CancelFunc issues the SLURM cancel command for (cluster, jobID).
type CancelFunc func(ctx context.Context, cluster, jobID string) error

// Options carries the user-supplied portion of a launch request; any
// zero field is filled in by the caller from configured defaults
// before Launcher.Launch validates it.
type Options struct {
	CPUs     int
	Memory   string
	Walltime string
	GPU      core.GPU
}

// Launcher drives the launch/stop pipelines of spec §3/§4.K.
type Launcher struct {
	sessions        *sessionstore.Store
	manager         *statemanager.Manager
	tunnels         *tunnel.Manager
	proxies         *proxyregistry.Registry
	poller          *jobpoller.Poller
	submit          SubmitFunc
	cancel          CancelFunc
	clusters        []string
	additionalPorts []int
	log             *slog.Logger
}

func New(
	sessions *sessionstore.Store,
	manager *statemanager.Manager,
	tunnels *tunnel.Manager,
	proxies *proxyregistry.Registry,
	poller *jobpoller.Poller,
	submit SubmitFunc,
	cancel CancelFunc,
	clusters []string,
	additionalPorts []int,
	log *slog.Logger,
) *Launcher {
	l := &Launcher{
		sessions:        sessions,
		manager:         manager,
		tunnels:         tunnels,
		proxies:         proxies,
		poller:          poller,
		submit:          submit,
		cancel:          cancel,
		clusters:        clusters,
		additionalPorts: additionalPorts,
		log:             log.With("component", "launch"),
	}
	poller.OnSessionRunning(l.onRunning)
	return l
}

func validCluster(clusters []string, cluster string) bool {
	for _, c := range clusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// Launch validates opts, submits the SLURM job, and marks the session
// pending. It never blocks waiting for the job to start running:
// JobPoller observes the RUNNING transition asynchronously and this
// Launcher's onRunning hook opens the tunnel at that point.
func (l *Launcher) Launch(ctx context.Context, user, cluster string, ide core.IDE, opts Options) (*core.Session, error) {
	if !validCluster(l.clusters, cluster) {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("unknown cluster %q", cluster), nil)
	}
	if !ide.Valid() {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("unknown ide %q", ide), nil)
	}
	if !opts.GPU.Valid() {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("unknown gpu %q", opts.GPU), nil)
	}
	if _, ok := slurmtext.ParseTimeToSeconds(opts.Walltime); !ok {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("malformed walltime %q", opts.Walltime), nil)
	}
	if _, ok := slurmtext.ParseMemoryMB(opts.Memory); !ok {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("malformed memory %q", opts.Memory), nil)
	}
	if opts.CPUs <= 0 {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("invalid cpu count %d", opts.CPUs), nil)
	}

	key := core.NewSessionKey(user, cluster, ide)
	lockName := "launch:" + string(key)
	if err := l.manager.Acquire(lockName); err != nil {
		return nil, err
	}
	defer l.manager.Release(lockName)

	account, err := l.manager.FetchUserAccount(ctx, user)
	if err != nil {
		l.log.Warn("fetch user account failed, submitting without one", "user", user, "error", err)
	}

	token, err := randomToken()
	if err != nil {
		return nil, core.NewDomainError(core.ErrorCodeUnexpected, "generate session token", err)
	}

	sess, err := l.sessions.GetOrCreate(ctx, user, cluster, ide, core.Session{
		CPUs: opts.CPUs, Memory: opts.Memory, Walltime: opts.Walltime, GPU: opts.GPU,
		Account: account, Token: token, Status: core.StatusIdle,
	})
	if err != nil {
		return nil, err
	}
	if sess.Status != core.StatusIdle {
		return nil, core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("session %s is already %s", key, sess.Status), nil)
	}

	// A retry after a failed submit reuses the existing idle session
	// row; refresh it with this call's resource request rather than
	// resubmitting whatever was requested the first time.
	sess, err = l.sessions.Update(ctx, key, func(s *core.Session) {
		s.CPUs, s.Memory, s.Walltime, s.GPU = opts.CPUs, opts.Memory, opts.Walltime, opts.GPU
		s.Account, s.Token = account, token
	})
	if err != nil {
		return nil, err
	}

	jobID, err := l.submit(ctx, cluster, sess)
	if err != nil {
		if _, uerr := l.sessions.Update(ctx, key, func(s *core.Session) {
			s.Error = err.Error()
		}); uerr != nil {
			l.log.Warn("record submit failure failed", "key", key, "error", uerr)
		}
		return nil, core.NewDomainError(core.ErrorCodeJob, "submit job", err)
	}

	updated, err := l.sessions.Update(ctx, key, func(s *core.Session) {
		s.Status = core.StatusPending
		s.JobID = jobID
		s.Error = ""
	})
	if err != nil {
		return nil, err
	}

	l.manager.SetActiveSession(ctx, &core.ActiveSessionPointer{User: user, Cluster: cluster, IDE: ide})
	l.poller.TriggerFastPoll()
	return updated, nil
}

// Stop cancels key's SLURM job (if any) and clears the session,
// serialised against any concurrent launch for the same key.
func (l *Launcher) Stop(ctx context.Context, key core.SessionKey) error {
	lockName := "stop:" + string(key)
	if err := l.manager.Acquire(lockName); err != nil {
		return err
	}
	defer l.manager.Release(lockName)
	launchLock := "launch:" + string(key)
	if err := l.manager.Acquire(launchLock); err != nil {
		return err
	}
	defer l.manager.Release(launchLock)

	sess, ok := l.sessions.Get(key)
	if !ok {
		return core.ErrSessionNotFound(string(key))
	}

	if sess.HasJob() {
		if err := l.cancel(ctx, sess.Cluster, sess.JobID); err != nil {
			l.log.Warn("cancel job failed", "key", key, "error", err)
		}
	}

	return l.manager.ClearSession(ctx, key, sessionstore.ClearOptions{EndReason: core.EndReasonCancelled})
}

// onRunning opens the tunnel and proxy the first time JobPoller
// observes a session's job RUNNING with a compute node assigned.
func (l *Launcher) onRunning(ctx context.Context, sess *core.Session) {
	if sess.Node == "" {
		return
	}
	port, ok := remotePort[sess.IDE]
	if !ok {
		l.log.Error("no remote port mapping for ide", "ide", sess.IDE, "key", sess.SessionKey)
		return
	}

	t, err := l.tunnels.Launch(ctx, sess.SessionKey, sess.Cluster, sess.Node, port, l.additionalPorts)
	if err != nil {
		l.log.Error("tunnel launch failed", "key", sess.SessionKey, "error", err)
		if _, uerr := l.sessions.Update(ctx, sess.SessionKey, func(s *core.Session) {
			s.Error = err.Error()
		}); uerr != nil {
			l.log.Warn("record tunnel failure failed", "key", sess.SessionKey, "error", uerr)
		}
		return
	}

	if _, err := l.proxies.Create(sess.SessionKey, sess.IDE, t.Port); err != nil {
		l.log.Error("proxy create failed", "key", sess.SessionKey, "error", err)
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
