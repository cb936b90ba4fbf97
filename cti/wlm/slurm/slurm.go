// Package slurm implements the SLURM Frontend variant (spec §4.5): argv
// construction for srun, sbcast-based shipping, srun-fanned BE daemon
// start, and scancel-based kill.
package slurm

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/wlmbase"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Frontend is the SLURM WLM backend.
type Frontend struct {
	wlmbase.Base
	launcherName string
}

// New constructs the SLURM Frontend. launcherName overrides "srun" when
// CTI_LAUNCHER_NAME is set (spec §6).
func New(c *client.Client, log *logger.Logger, launcherName string) *Frontend {
	if launcherName == "" {
		launcherName = "srun"
	}

	return &Frontend{Base: wlmbase.NewBase(app.WLMSlurm, c, log), launcherName: launcherName}
}

// Kind identifies this variant.
func (f *Frontend) Kind() app.WLMKind { return app.WLMSlurm }

// Launch forks the job under srun without MPIR.
func (f *Frontend) Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*app.App, error) {
	return f.Base.Launch(ctx, f, f.srunPath(), f.buildSrunArgv(path, argv).Build(), env, fds)
}

// LaunchBarrier runs srun --mpi=none under MPIR control and blocks at the
// startup barrier (spec §4.5 "Launch (at barrier)").
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	built := f.buildSrunArgv(path, argv).Flag("--mpi=none").Build()
	return f.Base.LaunchBarrier(ctx, f, f.srunPath(), built, env)
}

// RegisterJob attaches to an already-running srun pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	return f.Base.RegisterJob(ctx, f, launcherPID)
}

func (f *Frontend) buildSrunArgv(path string, argv []string) *wlmbase.ArgvBuilder {
	b := wlmbase.NewArgvBuilder(f.launcherName)
	b.Tail(append([]string{path}, argv...)...)

	return b
}

func (f *Frontend) srunPath() string {
	if p, err := exec.LookPath(f.launcherName); err == nil {
		return p
	}

	return f.launcherName
}

// Kill sends scancel -s <signal> to the job (spec §4.5 "Kill").
func (f *Frontend) Kill(a *app.App, signal int) error {
	jobSpec := jobStepSpec(a.JobID())

	cmd := exec.Command("scancel", "-s", strconv.Itoa(signal), jobSpec)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.DaemonLost, err, "scancel %s: %s", jobSpec, strings.TrimSpace(string(out)))
	}

	return nil
}

func jobStepSpec(id app.JobID) string {
	if id.StepID != "" {
		return id.Primary + "." + id.StepID
	}

	return id.Primary
}

// ShipPackage runs sbcast -C -j <jobid> <tar> --force <toolpath>/<name>
// (spec §4.5 "Ship package").
func (f *Frontend) ShipPackage(a *app.App, toolPath, localTarPath string) error {
	dst := toolPath + "/" + baseName(localTarPath)
	jobSpec := jobStepSpec(a.JobID())

	cmd := exec.Command("sbcast", "-C", "-j", jobSpec, localTarPath, "--force", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "sbcast to job %s: %s", jobSpec, strings.TrimSpace(string(out)))
	}

	return nil
}

func baseName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

// StartDaemon fans cti_be_daemon out over the job's allocation via a
// second srun invocation targeted at the same job/step.
func (f *Frontend) StartDaemon(a *app.App, toolPath string, args app.BEDaemonArgs) error {
	beDaemonPath := toolPath + "/cti_be_daemon"
	jobSpec := jobStepSpec(a.JobID())

	argv := append([]string{f.srunPath(), "--jobid=" + jobSpec},
		wlmbase.BEDaemonArgv(beDaemonPath, "slurm", toolPath, jobSpec, args)...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "fanning out BE daemon for job %s", jobSpec)
	}

	return f.Client.RegisterUtil(a.ID(), int32(cmd.Process.Pid))
}

// ListHosts resolves the job's node list via scontrol.
func (f *Frontend) ListHosts(a *app.App) ([]string, error) {
	jobSpec := jobStepSpec(a.JobID())

	out, err := exec.Command("scontrol", "show", "hostnames", jobSpec).Output()
	if err != nil {
		return nil, ctierr.Wrap(ctierr.DaemonLost, err, "scontrol show hostnames %s", jobSpec)
	}

	var hosts []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			hosts = append(hosts, line)
		}
	}

	return hosts, nil
}

// ExtraFiles reports no SLURM-specific extras beyond what the tool itself
// requests.
func (f *Frontend) ExtraFiles(_ *app.App) []string { return nil }

// IsRunning queries squeue for the job state.
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	jobSpec := jobStepSpec(a.JobID())

	out, err := exec.Command("squeue", "-h", "-j", jobSpec, "-o", "%T").Output()
	if err != nil {
		return false, nil
	}

	state := strings.TrimSpace(string(out))

	return state == "RUNNING", nil
}
