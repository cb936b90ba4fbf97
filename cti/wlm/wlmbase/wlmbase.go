// Package wlmbase holds the generic Frontend machinery shared by every
// WLM variant (spec §4.5: "any behavior not enumerated here is identical
// across variants"), so each concrete backend (cti/wlm/slurm, .../alps,
// ...) only implements the handful of operations that genuinely differ:
// ship-package, start-daemon, kill, list-hosts, extra-files.
package wlmbase

import (
	"context"
	"path/filepath"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/protocol"
	"github.com/common-tools-interface/cti-sub004/cti/sidecar"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Base is embedded by every concrete Frontend implementation. It owns the
// FE-daemon connection and provides the operations common to all variants.
type Base struct {
	Kind   app.WLMKind
	Client *client.Client
	Log    *logger.Logger
}

// NewBase constructs the shared portion of a Frontend.
func NewBase(kind app.WLMKind, c *client.Client, log *logger.Logger) Base {
	return Base{Kind: kind, Client: c, Log: log.With(logger.Ctx{"wlm": kind.String()})}
}

// WLMKind satisfies the common Kind() portion of app.Frontend.
func (b *Base) WLMKind() app.WLMKind { return b.Kind }

// Launch forks path/argv/env through the FE daemon without any MPIR
// involvement (spec §4.5's plain, non-barrier launch path).
func (b *Base) Launch(_ context.Context, frontend app.Frontend, path string, argv, env []string, fds [3]int) (*app.App, error) {
	pid, err := b.Client.ForkExecvpApp(path, argv, env, fds)
	if err != nil {
		return nil, err
	}

	return app.NewApp(frontend, b.Kind, app.JobID{}, int(pid), nil, false), nil
}

// LaunchBarrier forks path/argv/env under MPIR control via the FE daemon
// and blocks until the startup barrier is reached (spec §4.5 "Launch (at
// barrier)"). The returned App's StepLayout sidecar files are written by
// the caller (cti.Frontend.LaunchBarrier, through its Session).
func (b *Base) LaunchBarrier(_ context.Context, frontend app.Frontend, path string, argv, env []string) (*app.App, error) {
	resp, err := b.Client.LaunchMPIR(path, argv, env)
	if err != nil {
		return nil, err
	}

	pt := decodeProctable(resp)
	jobID := app.JobID{Primary: resp.JobID, StepID: resp.StepID}
	a := app.NewApp(frontend, b.Kind, jobID, int(resp.LauncherPID), pt, true)
	a.SetMPIRSession(resp.MPIRID)

	return a, nil
}

// RegisterJob attaches to an already-running launcher pid (spec §4.5
// "register").
func (b *Base) RegisterJob(_ context.Context, frontend app.Frontend, launcherPID int) (*app.App, error) {
	resp, err := b.Client.AttachMPIR(int32(launcherPID))
	if err != nil {
		return nil, err
	}

	pt := decodeProctable(resp)
	jobID := app.JobID{Primary: resp.JobID, StepID: resp.StepID}
	a := app.NewApp(frontend, b.Kind, jobID, launcherPID, pt, true)
	a.SetMPIRSession(resp.MPIRID)

	return a, nil
}

// ReleaseBarrier resumes an AtBarrier App via the FE daemon, enforcing the
// monotonic release invariant on the App itself.
func (b *Base) ReleaseBarrier(a *app.App) error {
	mpirID, ok := a.MPIRSession()
	if !ok {
		return ctierr.New(ctierr.BarrierAlreadyReleased, "app %d has no held MPIR session", a.ID())
	}

	if err := b.Client.ReleaseMPIR(mpirID); err != nil {
		return err
	}

	return a.MarkReleased()
}

func decodeProctable(resp *protocol.MPIRResp) app.ProcTable {
	pt := make(app.ProcTable, len(resp.Proctable))
	for i, rec := range resp.Proctable {
		pt[i] = app.ProcTableEntry{PID: int(rec.PID), Hostname: rec.Hostname, Executable: rec.Executable}
	}

	return pt
}

// WriteLayoutFile writes the per-node layout sidecar the BE daemon reads
// back after manifest extraction (spec §4.5 "Launch (at barrier)", §6).
func WriteLayoutFile(path string, layout *app.StepLayout) error {
	return sidecar.WriteLayout(path, layout)
}

// WritePIDFile writes the per-rank pid sidecar the BE daemon reads back
// after manifest extraction (spec §4.5 "Launch (at barrier)", §6).
func WritePIDFile(path string, pt app.ProcTable) error {
	return sidecar.WritePID(path, pt)
}

// StagingDir derives the local staging directory for a new App, rooted
// under the configured scratch dir.
func StagingDir(scratchRoot, stageName string) string {
	return filepath.Join(scratchRoot, stageName)
}
