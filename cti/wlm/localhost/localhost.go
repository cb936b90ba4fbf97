// Package localhost implements the single-node Frontend variant (spec
// §4.5): no WLM at all, used for developing/testing tools without a
// scheduler. Ship is a plain copy, start-daemon is a plain fork/exec.
package localhost

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/stopshim"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/wlmbase"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Frontend is the localhost WLM backend.
type Frontend struct {
	wlmbase.Base
	selfPath string
}

// New constructs the localhost Frontend.
func New(c *client.Client, log *logger.Logger) *Frontend {
	self, _ := os.Executable()
	return &Frontend{Base: wlmbase.NewBase(app.WLMLocalhost, c, log), selfPath: self}
}

// Kind identifies this variant.
func (f *Frontend) Kind() app.WLMKind { return app.WLMLocalhost }

// Launch stops the child immediately after exec via stopshim so the
// caller can still attach MPIR manually if it chooses to (localhost has
// no native launch-at-barrier primitive to delegate to).
func (f *Frontend) Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*app.App, error) {
	execPath := path
	wrapped := append([]string{}, argv...)
	if f.selfPath != "" {
		execPath = f.selfPath
		wrapped = stopshim.WrapArgv(f.selfPath, append([]string{path}, argv[1:]...))
		env = append(env, stopshim.EnvVar+"=1")
	}

	return f.Base.Launch(ctx, f, execPath, wrapped, env, fds)
}

// LaunchBarrier delegates straight to the FE daemon's MPIR-launch path;
// localhost has no scheduler step of its own to interpose.
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	return f.Base.LaunchBarrier(ctx, f, path, argv, env)
}

// RegisterJob attaches to an already-running local pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	return f.Base.RegisterJob(ctx, f, launcherPID)
}

// Kill sends a plain signal to the launcher pid.
func (f *Frontend) Kill(a *app.App, signal int) error {
	proc, err := os.FindProcess(a.LauncherPID())
	if err != nil {
		return ctierr.Wrap(ctierr.DaemonLost, err, "finding pid %d", a.LauncherPID())
	}

	return proc.Signal(syscall.Signal(signal))
}

// ShipPackage copies the local tar to the staging path (spec §4.5:
// "Localhost: a cp to the staging path").
func (f *Frontend) ShipPackage(_ *app.App, toolPath, localTarPath string) error {
	dst := filepath.Join(toolPath, filepath.Base(localTarPath))

	src, err := os.Open(localTarPath)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "opening %s", localTarPath)
	}
	defer src.Close()

	if err := os.MkdirAll(toolPath, 0o755); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "creating %s", toolPath)
	}

	out, err := os.Create(dst)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "creating %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "copying %s to %s", localTarPath, dst)
	}

	return nil
}

// StartDaemon fans the BE daemon out — a single local fork/exec.
func (f *Frontend) StartDaemon(a *app.App, toolPath string, args app.BEDaemonArgs) error {
	beDaemonPath := filepath.Join(toolPath, "cti_be_daemon")

	flags := wlmbase.BEDaemonFlags("localhost", toolPath, a.JobID().Primary, args)

	cmd := exec.Command(beDaemonPath, flags...)

	if err := cmd.Start(); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "starting BE daemon at %s", beDaemonPath)
	}

	return f.Client.RegisterUtil(a.ID(), int32(cmd.Process.Pid))
}

// ListHosts returns just this machine's hostname.
func (f *Frontend) ListHosts(_ *app.App) ([]string, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	return []string{host}, nil
}

// ExtraFiles reports no localhost-specific extras.
func (f *Frontend) ExtraFiles(_ *app.App) []string { return nil }

// IsRunning reports whether the launcher pid is still alive.
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	proc, err := os.FindProcess(a.LauncherPID())
	if err != nil {
		return false, nil
	}

	return proc.Signal(syscall.Signal(0)) == nil, nil
}
