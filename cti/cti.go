// Package cti is the public library facade (spec §1-§2): it wires the FE
// daemon client, the WLM backend, and per-App Sessions together behind the
// Launch/LaunchBarrier/RegisterJob/ReleaseBarrier/Kill/Deregister
// operations a caller actually uses.
package cti

import (
	"context"
	"sync"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/config"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/manifest"
	"github.com/common-tools-interface/cti-sub004/cti/session"
	"github.com/common-tools-interface/cti-sub004/cti/wlm"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Frontend is the top-level library handle: one FE daemon connection, one
// resolved WLM backend, and the live set of Sessions keyed by App id
// (spec §5: "not safe to call into the same Frontend from multiple
// threads concurrently" — Sessions map access is still guarded for
// safety against the one concurrent path that does exist, deregister
// racing a concurrent ship).
type Frontend struct {
	mu sync.Mutex

	cfg      *config.Config
	client   *client.Client
	backend  app.Frontend
	log      *logger.Logger
	sessions map[uint64]*session.Session
}

// New loads configuration from the environment, forks the FE daemon, and
// resolves the WLM backend (spec: "EnvMisconfigured — fatal at Frontend
// construction").
func New() (*Frontend, error) {
	cfg := config.Load()

	log := logger.New(logger.Ctx{"component": "cti"})
	log.SetDebug(cfg.Debug)

	c, err := client.Start(cfg.FEDaemonPath())
	if err != nil {
		return nil, err
	}

	backend, err := wlm.New(cfg, c, log)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Frontend{
		cfg:      cfg,
		client:   c,
		backend:  backend,
		log:      log,
		sessions: map[uint64]*session.Session{},
	}, nil
}

// Close tears down the FE daemon connection.
func (f *Frontend) Close() error {
	return f.client.Close()
}

// Launch starts path/argv/env with no MPIR barrier involved.
func (f *Frontend) Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*app.App, error) {
	a, err := f.backend.Launch(ctx, path, argv, env, fds)
	if err != nil {
		return nil, err
	}

	f.newSession(a)

	return a, nil
}

// LaunchBarrier starts path/argv/env under MPIR control and blocks until
// the startup barrier is reached.
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string) (*app.App, error) {
	a, err := f.backend.LaunchBarrier(ctx, path, argv, env, [3]int{})
	if err != nil {
		return nil, err
	}

	s := f.newSession(a)

	if err := s.WriteLaunchSidecars(a.StepLayout(), a.ProcTable()); err != nil {
		return a, err
	}

	return a, nil
}

// RegisterJob attaches to an already-running launcher process by pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	a, err := f.backend.RegisterJob(ctx, launcherPID)
	if err != nil {
		return nil, err
	}

	f.newSession(a)

	return a, nil
}

// ReleaseBarrier resumes an AtBarrier App; monotonic, fails on a second
// call with ctierr.BarrierAlreadyReleased.
func (f *Frontend) ReleaseBarrier(a *app.App) error {
	return f.backend.ReleaseBarrier(a)
}

// Kill sends a WLM-native signal to the App's job.
func (f *Frontend) Kill(a *app.App, signal int) error {
	return f.backend.Kill(a, signal)
}

// IsRunning reports whether the App's job is still alive.
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	return f.backend.IsRunning(a)
}

// ListHosts returns the distinct compute-node hostnames of the App's job.
func (f *Frontend) ListHosts(a *app.App) ([]string, error) {
	return f.backend.ListHosts(a)
}

// CreateManifest returns a fresh Manifest for toolPath, owned by a's
// Session.
func (f *Frontend) CreateManifest(a *app.App, toolPath string) (*manifest.Manifest, error) {
	s, err := f.sessionFor(a)
	if err != nil {
		return nil, err
	}

	return s.CreateManifest(toolPath), nil
}

// ShipManifest runs the transactional ship sequence for m (spec §4.6).
func (f *Frontend) ShipManifest(a *app.App, m *manifest.Manifest, toolPath string) error {
	s, err := f.sessionFor(a)
	if err != nil {
		return err
	}

	return s.ShipManifest(m, toolPath, app.BEDaemonArgs{})
}

// ExecManifest ships m and execs binary with binaryArgs/env as the BE
// daemon's tool invocation (spec §4.6 "execManifest").
func (f *Frontend) ExecManifest(a *app.App, m *manifest.Manifest, toolPath, binary string, binaryArgs, env []string) error {
	s, err := f.sessionFor(a)
	if err != nil {
		return err
	}

	return s.ExecManifest(m, toolPath, binary, binaryArgs, env)
}

// Deregister tears down the App's FE-daemon tracking and, if at least one
// manifest was shipped, its remote staging tree (spec §4.6 "finalize").
func (f *Frontend) Deregister(a *app.App, toolPath string) error {
	f.mu.Lock()
	s := f.sessions[a.ID()]
	delete(f.sessions, a.ID())
	f.mu.Unlock()

	if s != nil && toolPath != "" {
		if err := s.Finalize(toolPath); err != nil {
			return err
		}
	}

	a.MarkDeregistered()

	return f.client.DeregisterApp(a.ID())
}

func (f *Frontend) newSession(a *app.App) *session.Session {
	s := session.New(a, f.cfg.ScratchDir, f.cfg.BEDaemonPath())

	f.mu.Lock()
	f.sessions[a.ID()] = s
	f.mu.Unlock()

	return s
}

func (f *Frontend) sessionFor(a *app.App) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[a.ID()]
	if !ok {
		return nil, ctierr.New(ctierr.SessionConflict, "app %d has no active session", a.ID())
	}

	return s, nil
}
