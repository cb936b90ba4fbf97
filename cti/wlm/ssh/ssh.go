// Package ssh implements the generic fallback Frontend variant (spec
// §4.5/§4.10): a single remote login node reached over cti/sshsession,
// with MPIR attached via a small helper binary started over SSH that
// streams MPIR responses back through the channel.
package ssh

import (
	"context"
	"os"
	"strconv"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/sshsession"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/stopshim"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/wlmbase"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Frontend is the generic-SSH WLM backend: one remote host reached via a
// persistent Session.
type Frontend struct {
	wlmbase.Base
	session  *sshsession.Session
	selfPath string
}

// New dials the remote host per cfg and returns the generic-SSH Frontend.
func New(c *client.Client, log *logger.Logger, cfg sshsession.Config) (*Frontend, error) {
	session, err := sshsession.Dial(cfg)
	if err != nil {
		return nil, err
	}

	self, _ := os.Executable()

	return &Frontend{Base: wlmbase.NewBase(app.WLMSSH, c, log), session: session, selfPath: self}, nil
}

// Kind identifies this variant.
func (f *Frontend) Kind() app.WLMKind { return app.WLMSSH }

// Launch runs path/argv/env on the remote host, stopped immediately after
// exec via stopshim so MPIR can still attach afterwards (spec §4.10: "a
// small helper binary ... establishes MPIR").
func (f *Frontend) Launch(_ context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	wrapped := argv
	if f.selfPath != "" {
		wrapped = stopshim.WrapArgv(f.selfPath, append([]string{path}, argv[1:]...))
		env = append(env, stopshim.EnvVar+"=1")
	}

	if _, err := f.session.ExecuteRemoteCommand(wrapped, env, false); err != nil {
		return nil, err
	}

	return app.NewApp(f, app.WLMSSH, app.JobID{Primary: f.session.Host()}, 0, nil, false), nil
}

// LaunchBarrier delegates to the FE daemon's MPIR-launch path over the
// local loopback launcher (the FE daemon itself may run on the remote
// login node for this variant; the local client connection to it still
// goes through the usual socket pair).
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	return f.Base.LaunchBarrier(ctx, f, path, argv, env)
}

// RegisterJob attaches to an already-running remote launcher pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	return f.Base.RegisterJob(ctx, f, launcherPID)
}

// Kill runs "kill -<signal> <pid>" over SSH.
func (f *Frontend) Kill(a *app.App, signal int) error {
	argv := []string{"kill", "-" + strconv.Itoa(signal), strconv.Itoa(a.LauncherPID())}

	_, err := f.session.ExecuteRemoteCommand(argv, nil, true)

	return err
}

// ShipPackage SCPs localTarPath to the remote toolPath (spec §4.5 "SSH
// generic: SCP to each host").
func (f *Frontend) ShipPackage(_ *app.App, toolPath, localTarPath string) error {
	dst := toolPath + "/" + baseName(localTarPath)
	return f.session.SendRemoteFile(localTarPath, dst, 0o644)
}

// StartDaemon runs cti_be_daemon on the remote host over SSH.
func (f *Frontend) StartDaemon(a *app.App, toolPath string, args app.BEDaemonArgs) error {
	beDaemonPath := toolPath + "/cti_be_daemon"

	argv := wlmbase.BEDaemonArgv(beDaemonPath, "ssh", toolPath, a.JobID().Primary, args)

	if _, err := f.session.ExecuteRemoteCommand(argv, args.Env, false); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "starting BE daemon on %s", f.session.Host())
	}

	return nil
}

// ListHosts returns the single remote host this Session targets.
func (f *Frontend) ListHosts(_ *app.App) ([]string, error) {
	return []string{f.session.Host()}, nil
}

// ExtraFiles reports no SSH-specific extras.
func (f *Frontend) ExtraFiles(_ *app.App) []string { return nil }

// IsRunning checks the remote pid via "kill -0".
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	argv := []string{"kill", "-0", strconv.Itoa(a.LauncherPID())}

	_, err := f.session.ExecuteRemoteCommand(argv, nil, true)

	return err == nil, nil
}

// Close tears down the underlying SSH session.
func (f *Frontend) Close() error { return f.session.Close() }

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}

	return path
}
