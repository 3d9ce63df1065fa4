package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/slurmtext"
)

// sshExecFunc is the common shape every SLURM glue closure below is
// built from: one command string, run against one cluster's login
// host over SSHQueue so it never races another command for the same
// cluster.
type sshExecFunc func(ctx context.Context, cluster, command string) (string, error)

// squeueFormat matches slurmtext.ParseSqueueLine's expected
// `%i|%T|%R|%L|%j` column order, filtered to this broker's own jobs
// by their three exact job names and to the two states JobPoller
// tracks.
const squeueFormat = `squeue -h -u "$(whoami)" --name=hpc-vscode,hpc-rstudio,hpc-jupyter -t R,PD -o '%i|%T|%R|%L|%j'`

// newListJobsFunc returns a jobpoller.ListJobsFunc batching every
// broker-owned job on cluster into one squeue call per poll cycle.
func newListJobsFunc(exec sshExecFunc) func(ctx context.Context, cluster string) ([]slurmtext.JobRow, error) {
	return func(ctx context.Context, cluster string) ([]slurmtext.JobRow, error) {
		out, err := exec(ctx, cluster, squeueFormat)
		if err != nil {
			return nil, err
		}
		var rows []slurmtext.JobRow
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if row, ok := slurmtext.ParseSqueueLine(line); ok {
				rows = append(rows, row)
			}
		}
		return rows, nil
	}
}

// newJobStatusFunc returns a statemanager.JobStatusFunc used only
// during start-up reconciliation: does SLURM still know about jobID
// in a non-terminal state?
func newJobStatusFunc(exec sshExecFunc) func(ctx context.Context, cluster, jobID string) (bool, error) {
	return func(ctx context.Context, cluster, jobID string) (bool, error) {
		out, err := exec(ctx, cluster, fmt.Sprintf("squeue -h -j %s -o '%%T'", jobID))
		if err != nil {
			return false, core.NewDomainError(core.ErrorCodeSsh, "check job status", err)
		}
		line := strings.TrimSpace(out)
		if line == "" {
			return true, nil // squeue has no row for this job: it is gone, terminal.
		}
		return slurmtext.MapJobState(line).Terminal(), nil
	}
}

// newAccountFetchFunc returns a statemanager.AccountFetchFunc backed
// by sacctmgr's association listing, the standard way to recover a
// user's default SLURM billing account outside of a running job.
func newAccountFetchFunc(exec sshExecFunc) func(ctx context.Context, cluster, user string) (string, error) {
	return func(ctx context.Context, cluster, user string) (string, error) {
		out, err := exec(ctx, cluster, fmt.Sprintf("sacctmgr -n -P show user %s format=DefaultAccount", user))
		if err != nil {
			return "", core.NewDomainError(core.ErrorCodeSsh, "fetch user account", err)
		}
		return strings.TrimSpace(out), nil
	}
}

// newCancelFunc returns the shared scancel closure used by both
// launch.CancelFunc (user-initiated stop) and idlereaper.CancelJobFunc
// (idle timeout).
func newCancelFunc(exec sshExecFunc) func(ctx context.Context, cluster, jobID string) error {
	return func(ctx context.Context, cluster, jobID string) error {
		_, err := exec(ctx, cluster, fmt.Sprintf("scancel %s", jobID))
		return err
	}
}

// ideStartCommand is the in-container command that brings up each
// IDE's server on its conventional fixed port (see internal/launch's
// remotePort map), listening on every interface so the compute node's
// sshd can forward to it.
var ideStartCommand = map[core.IDE]string{
	core.IDEVSCode:  "code-server --bind-addr 0.0.0.0:8080 --auth none",
	core.IDERStudio: "/usr/lib/rstudio-server/bin/rserver --www-address=0.0.0.0 --www-port=8787",
	core.IDEJupyter: "jupyter lab --ip=0.0.0.0 --port=8888 --no-browser --NotebookApp.token=''",
}

// sbatchTemplate is the batch script this broker submits for every
// IDE session: a container launch under the configured image, binding
// the configured paths and library search directories, with the IDE
// server started on its fixed remotePort (see internal/launch) so the
// tunnel's -L forward has somewhere to connect.
const sbatchTemplate = `#!/bin/bash
#SBATCH --job-name=%s
#SBATCH --partition=%s
#SBATCH --cpus-per-task=%d
#SBATCH --mem=%s
#SBATCH --time=%s
%s
exec %ssingularity exec%s %s %s
`

// submittedJobIDPrefix is sbatch's standard stdout line, e.g.
// "Submitted batch job 48213".
const submittedJobIDPrefix = "Submitted batch job "

// clusterLookup resolves a cluster name to the definition needed to
// render its sbatch script; it is the narrow slice of config.Config's
// cluster list this package depends on, so bootstrap (not launch or
// config) owns the translation from domain Session to SLURM text.
type clusterLookup func(cluster string) (partition, containerImage string, bindPaths, libraryPaths []string, gpuPartition, gpuGres string, ok bool)

// newSubmitFunc returns a launch.SubmitFunc that renders sbatchTemplate
// for spec, submits it to sbatch via a heredoc on the command line
// (avoiding the need to stage a script file on the login host), and
// parses the submitted job id out of sbatch's "Submitted batch job
// <id>" stdout line.
func newSubmitFunc(exec sshExecFunc, lookup clusterLookup) func(ctx context.Context, cluster string, spec *core.Session) (string, error) {
	return func(ctx context.Context, cluster string, spec *core.Session) (string, error) {
		partition, image, bindPaths, libPaths, gpuPartition, gpuGres, ok := lookup(cluster)
		if !ok {
			return "", core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("no cluster definition for %q", cluster), nil)
		}

		startCmd, ok := ideStartCommand[spec.IDE]
		if !ok {
			return "", core.NewDomainError(core.ErrorCodeValidation, fmt.Sprintf("no start command for ide %q", spec.IDE), nil)
		}

		var gresLine string
		if spec.GPU != "" && spec.GPU != core.GPUNone {
			if gpuPartition != "" {
				partition = gpuPartition
			}
			gresLine = fmt.Sprintf("#SBATCH --gres=%s", gpuGres)
		}

		var bindFlag string
		if len(bindPaths) > 0 {
			bindFlag = " --bind " + strings.Join(bindPaths, ",")
		}
		var libEnv string
		if len(libPaths) > 0 {
			libEnv = fmt.Sprintf("SINGULARITYENV_LD_LIBRARY_PATH=%s ", strings.Join(libPaths, ":"))
		}

		script := fmt.Sprintf(sbatchTemplate,
			spec.IDE.JobName(), partition, spec.CPUs, spec.Memory, spec.Walltime,
			gresLine, libEnv, bindFlag, image, startCmd)

		command := fmt.Sprintf("sbatch <<'HPCBROKER_EOF'\n%sHPCBROKER_EOF", script)
		out, err := exec(ctx, cluster, command)
		if err != nil {
			return "", core.NewDomainError(core.ErrorCodeJob, "submit job", err)
		}

		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, submittedJobIDPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(line, submittedJobIDPrefix)), nil
			}
		}
		return "", core.NewDomainError(core.ErrorCodeJob, "sbatch output did not contain a job id", nil).
			WithDetails(map[string]any{"output": out})
	}
}

// sinfoCPUCmd and sinfoNodeStateCmd ground healthpoller's cluster-wide
// sample in the same sinfo columns ParseCPUSummary/NodeStateCounts
// already parse; squeueStateCmd reuses JobStateCounts across every
// job on the cluster (not just this broker's), per spec §4.H.
const (
	sinfoCPUCmd       = "sinfo -h -O 'cpusstate' --sum"
	sinfoNodeStateCmd = "sinfo -h -N -o '%t'"
	squeueStateCmd    = "squeue -h -o '%T'"
	fairshareCmdFmt   = "sshare -n -P -A %s -o fairshare"
)

// newSampleFunc returns a healthpoller.SampleFunc gathering one
// utilisation snapshot for cluster from independent sinfo/squeue
// queries issued one after another through exec (each call is its
// own enqueued SSHQueue operation, so other SSH traffic for the same
// cluster may run between them).
func newSampleFunc(exec sshExecFunc, account string) func(ctx context.Context, cluster string) (core.ClusterHealth, error) {
	return func(ctx context.Context, cluster string) (core.ClusterHealth, error) {
		health := core.ClusterHealth{Online: true}

		if out, err := exec(ctx, cluster, sinfoCPUCmd); err == nil {
			if used, total, ok := slurmtext.ParseCPUSummary(strings.TrimSpace(out)); ok {
				health.CPUs = gauge(float64(used), float64(total))
			}
		} else {
			return core.ClusterHealth{Online: false, Error: err.Error()}, err
		}

		if out, err := exec(ctx, cluster, sinfoNodeStateCmd); err == nil {
			idle, busy, down := slurmtext.NodeStateCounts(strings.Split(out, "\n"))
			health.Nodes = core.NodeGauge{
				Gauge: gauge(float64(busy), float64(idle+busy+down)),
				Idle:  idle, Busy: busy, Down: down,
			}
		}

		if out, err := exec(ctx, cluster, squeueStateCmd); err == nil {
			running, pending := slurmtext.JobStateCounts(strings.Split(out, "\n"))
			health.RunningJobs = running
			health.PendingJobs = pending
		}

		if account != "" {
			if out, err := exec(ctx, cluster, fmt.Sprintf(fairshareCmdFmt, account)); err == nil {
				if v, err := strconv.ParseFloat(strings.TrimSpace(out), 64); err == nil {
					health.Fairshare = v
				}
			}
		}

		return health, nil
	}
}

func gauge(used, total float64) core.Gauge {
	g := core.Gauge{Used: used, Total: total}
	if total > 0 {
		g.Percent = used / total * 100
	}
	return g
}
