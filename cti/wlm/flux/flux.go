// Package flux implements the Flux Frontend variant (spec §4.5), driving
// the flux CLI as a subprocess for job submission/cancel/archive RPCs
// (SPEC_FULL §12.4: "a flux-CLI-subprocess-based Flux backend").
package flux

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/wlmbase"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Frontend is the Flux WLM backend.
type Frontend struct {
	wlmbase.Base
	fluxPath string
}

// New constructs the Flux Frontend.
func New(c *client.Client, log *logger.Logger, fluxPath string) *Frontend {
	if fluxPath == "" {
		fluxPath = "flux"
	}

	return &Frontend{Base: wlmbase.NewBase(app.WLMFlux, c, log), fluxPath: fluxPath}
}

// Kind identifies this variant.
func (f *Frontend) Kind() app.WLMKind { return app.WLMFlux }

// Launch forks the job under "flux run" without MPIR.
func (f *Frontend) Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*app.App, error) {
	built := append([]string{f.fluxPath, "run"}, append([]string{path}, argv...)...)
	return f.Base.Launch(ctx, f, f.fluxPath, built, env, fds)
}

// LaunchBarrier runs the job via plain "flux run" under MPIR control and
// blocks at the startup barrier.
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	built := append([]string{f.fluxPath, "run"}, append([]string{path}, argv...)...)
	return f.Base.LaunchBarrier(ctx, f, f.fluxPath, built, env)
}

// RegisterJob attaches to an already-running flux shell pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	return f.Base.RegisterJob(ctx, f, launcherPID)
}

func (f *Frontend) jobspecID(a *app.App) string {
	if a.JobID().FluxID != 0 {
		return strconv.FormatUint(a.JobID().FluxID, 10)
	}

	return a.JobID().Primary
}

// Kill runs "flux job cancel" (spec §4.5 "Flux cancel").
func (f *Frontend) Kill(a *app.App, _ int) error {
	id := f.jobspecID(a)

	cmd := exec.Command(f.fluxPath, "job", "cancel", id)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.DaemonLost, err, "flux job cancel %s: %s", id, strings.TrimSpace(string(out)))
	}

	return nil
}

// ShipPackage RPCs the per-job file-service endpoint via "flux filemap"
// (spec §4.5 "Flux: RPC to a per-job file-service endpoint").
func (f *Frontend) ShipPackage(a *app.App, toolPath, localTarPath string) error {
	id := f.jobspecID(a)

	cmd := exec.Command(f.fluxPath, "filemap", "map", "--tags="+id, localTarPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "flux filemap map %s: %s", id, strings.TrimSpace(string(out)))
	}

	cmd = exec.Command(f.fluxPath, "exec", "--rank=all", "flux", "filemap", "get", "--tags="+id, "-C", toolPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "flux filemap get %s: %s", id, strings.TrimSpace(string(out)))
	}

	return nil
}

// StartDaemon runs cti_be_daemon on every rank via "flux exec --rank=all".
func (f *Frontend) StartDaemon(a *app.App, toolPath string, args app.BEDaemonArgs) error {
	beDaemonPath := toolPath + "/cti_be_daemon"
	id := f.jobspecID(a)

	argv := append([]string{f.fluxPath, "exec", "--rank=all"},
		wlmbase.BEDaemonArgv(beDaemonPath, "flux", toolPath, id, args)...)

	cmd := exec.Command(argv[0], argv[1:]...)

	if err := cmd.Start(); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "fanning out BE daemon for flux job %s", f.jobspecID(a))
	}

	return f.Client.RegisterUtil(a.ID(), int32(cmd.Process.Pid))
}

type fluxJobInfo struct {
	Nodelist string `json:"nodelist"`
	State    string `json:"state"`
}

// ListHosts parses "flux jobs -no {nodelist}" for the job's node list.
func (f *Frontend) ListHosts(a *app.App) ([]string, error) {
	id := f.jobspecID(a)

	out, err := exec.Command(f.fluxPath, "jobs", "--no-header", "-o", "{nodelist}", id).Output()
	if err != nil {
		return nil, ctierr.Wrap(ctierr.DaemonLost, err, "flux jobs %s", id)
	}

	line := strings.TrimSpace(string(out))
	if line == "" {
		return nil, nil
	}

	return strings.Split(line, ","), nil
}

// ExtraFiles reports no Flux-specific extras.
func (f *Frontend) ExtraFiles(_ *app.App) []string { return nil }

// IsRunning parses the output of "flux job info <id> J" as JSON and
// reports whether its state field is RUN; any failure reads as not running.
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	id := f.jobspecID(a)

	out, err := exec.Command(f.fluxPath, "job", "info", id, "J").Output()
	if err != nil {
		return false, nil
	}

	var info fluxJobInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return false, nil
	}

	return info.State == "RUN", nil
}
