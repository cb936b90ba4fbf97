// Package alps implements the Cray ALPS Frontend variant (spec §4.5):
// apkill-based kill, a helper-binary invocation standing in for
// alps_launch_tool_helper (the real call sits behind libalps, which is
// out of scope per spec.md §1 — consumed here at the documented CLI
// contract its own launch-tool helper exposes), and aprun-fanned BE
// daemon start.
package alps

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

// Frontend is the ALPS WLM backend.
type Frontend struct {
	wlmbase.Base
	launcherName string
}

// New constructs the ALPS Frontend.
func New(c *client.Client, log *logger.Logger, launcherName string) *Frontend {
	if launcherName == "" {
		launcherName = "aprun"
	}

	return &Frontend{Base: wlmbase.NewBase(app.WLMALPS, c, log), launcherName: launcherName}
}

// Kind identifies this variant.
func (f *Frontend) Kind() app.WLMKind { return app.WLMALPS }

// Launch forks the job under aprun without MPIR.
func (f *Frontend) Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*app.App, error) {
	built := wlmbase.NewArgvBuilder(f.launcherName).Tail(append([]string{path}, argv...)...).Build()
	return f.Base.Launch(ctx, f, f.launcherName, built, env, fds)
}

// LaunchBarrier runs aprun under MPIR control and blocks at the startup
// barrier.
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	built := wlmbase.NewArgvBuilder(f.launcherName).Tail(append([]string{path}, argv...)...).Build()
	return f.Base.LaunchBarrier(ctx, f, f.launcherName, built, env)
}

// RegisterJob attaches to an already-running aprun pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	return f.Base.RegisterJob(ctx, f, launcherPID)
}

// Kill sends apkill to the ALPS apid.
func (f *Frontend) Kill(a *app.App, signal int) error {
	apid := a.JobID().Primary

	cmd := exec.Command("apkill", "-"+strconv.Itoa(signal), apid)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.DaemonLost, err, "apkill %s: %s", apid, strings.TrimSpace(string(out)))
	}

	return nil
}

// ShipPackage invokes the alps_launch_tool_helper CLI contract to push
// localTarPath to every compute node of apid (spec §4.5 "ALPS:
// alps_launch_tool_helper(apid, ...) via libALPS").
func (f *Frontend) ShipPackage(a *app.App, toolPath, localTarPath string) error {
	apid := a.JobID().Primary

	cmd := exec.Command("alps_launch_tool_helper", apid, toolPath, localTarPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "alps_launch_tool_helper %s: %s", apid, strings.TrimSpace(string(out)))
	}

	return nil
}

// StartDaemon fans cti_be_daemon out via a second aprun -n<width> call
// targeted at the same apid's allocation, where width is the job's node
// count (one PE per node).
func (f *Frontend) StartDaemon(a *app.App, toolPath string, args app.BEDaemonArgs) error {
	beDaemonPath := toolPath + "/cti_be_daemon"
	width := len(a.StepLayout().Nodes)
	apid := a.JobID().Primary

	argv := wlmbase.NewArgvBuilder(f.launcherName).
		NumPEs(width).
		KV("pes-per-node", "1").
		Tail(wlmbase.BEDaemonArgv(beDaemonPath, "alps", toolPath, apid, args)...).Build()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "fanning out BE daemon for apid %s", a.JobID().Primary)
	}

	return f.Client.RegisterUtil(a.ID(), int32(cmd.Process.Pid))
}

// ListHosts returns the ALPS apid's node list from the StepLayout already
// extracted via MPIR (ALPS exposes no separate node-query CLI this core
// depends on).
func (f *Frontend) ListHosts(a *app.App) ([]string, error) {
	layout := a.StepLayout()

	hosts := make([]string, 0, len(layout.Nodes))
	for _, n := range layout.Nodes {
		hosts = append(hosts, n.Hostname)
	}

	return hosts, nil
}

// ExtraFiles reports no ALPS-specific extras.
func (f *Frontend) ExtraFiles(_ *app.App) []string { return nil }

// IsRunning queries apstat for the apid's state.
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	apid := a.JobID().Primary

	out, err := exec.Command("apstat", "-avv", apid).Output()
	if err != nil {
		return false, nil
	}

	return strings.Contains(string(out), apid), nil
}
