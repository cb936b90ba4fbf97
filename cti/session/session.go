// Package session implements the per-App staging coordinator (spec §4.6,
// C6): stage naming, the cumulative file registry a Manifest classifies
// conflicts against, and the transactional shipManifest/execManifest/
// finalize sequence that drives a Frontend's ShipPackage/StartDaemon.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/archive"
	"github.com/common-tools-interface/cti-sub004/cti/manifest"
	"github.com/common-tools-interface/cti-sub004/cti/sidecar"
)

// stageNameLen is the random suffix length for a generated stage_name
// (spec §4.6: "random 16-char suffix derived from a time+pid seed").
const stageNameLen = 16

// Session is one per App (spec §4.6). It owns the cumulative registry of
// every file shipped so far, used by each Manifest to classify conflicts,
// and drives the ship/exec/finalize transactions against the App's
// Frontend.
type Session struct {
	mu sync.Mutex

	app        *app.App
	stageName  string
	scratchDir string

	seqNum            int
	requirementsSent  bool
	ldLibraryOverride string

	registry map[manifest.Key]string
	open     []*manifest.Manifest

	beDaemonPath string
	beDaemonSent bool

	launchSidecars []string // local layout/pid file paths, shipped with the first manifest
}

// New constructs a Session for a. stageName is CTI_STAGE_NAME if set in
// the environment, else a fresh random suffix (spec §4.6).
func New(a *app.App, scratchDir, beDaemonPath string) *Session {
	stageName := os.Getenv("CTI_STAGE_NAME")
	if stageName == "" {
		stageName = randomStageName()
	}

	return &Session{
		app:          a,
		stageName:    stageName,
		scratchDir:   scratchDir,
		registry:     map[manifest.Key]string{},
		beDaemonPath: beDaemonPath,
	}
}

// randomStageName derives the 16-char suffix from a fresh UUIDv4,
// stripping hyphens, the way a time+pid seed would be rendered (spec
// §4.6).
func randomStageName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:stageNameLen]
}

// StageName returns the session's stage directory name.
func (s *Session) StageName() string { return s.stageName }

// StagePath returns the session's absolute remote stage root for the
// given tool path (<toolPath>/<stage_name>).
func (s *Session) StagePath(toolPath string) string {
	return filepath.Join(toolPath, s.stageName)
}

// SeqNum returns the next manifest instance number that would be
// assigned by CreateManifest.
func (s *Session) SeqNum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqNum
}

// Lookup implements manifest.Registry against the session's cumulative
// file registry.
func (s *Session) Lookup(key manifest.Key) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.registry[key]

	return p, ok
}

// CreateManifest returns a new open Manifest whose instance_number is the
// session's current seq_num (spec §4.6: "seq_num is incremented only
// after a successful ship").
func (s *Session) CreateManifest(toolPath string) *manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := manifest.New(s, toolPath, s.stageName, s.seqNum)
	s.open = append(s.open, m)

	return m
}

// WriteLaunchSidecars writes the layout/pid sidecar files the BE daemon
// reads after extraction (spec §4.5 "Launch (at barrier)", §6) into the
// session's local scratch dir, and queues them for injection into the
// first manifest shipped for this Session.
func (s *Session) WriteLaunchSidecars(layout *app.StepLayout, pt app.ProcTable) error {
	localDir := filepath.Join(s.scratchDir, s.stageName)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}

	layoutPath := filepath.Join(localDir, "layout")
	if err := sidecar.WriteLayout(layoutPath, layout); err != nil {
		return err
	}

	pidPath := filepath.Join(localDir, "pid")
	if err := sidecar.WritePID(pidPath, pt); err != nil {
		return err
	}

	s.mu.Lock()
	s.launchSidecars = []string{layoutPath, pidPath}
	s.mu.Unlock()

	return nil
}

// localArchivePath derives the local tar scratch path for one manifest
// ship (spec: "CTI_CFG_DIR: where the frontend writes its local tar
// scratch").
func (s *Session) localArchivePath(instance int) string {
	return filepath.Join(s.scratchDir, fmt.Sprintf("%s_%d.tar", s.stageName, instance))
}

// ShipManifest runs the transactional ship body (spec §4.6 steps 1-7):
// extra-files injection on first call, dedup merge into the registry,
// ld_library_override bookkeeping, archive packing, App.ShipPackage +
// App.StartDaemon, and seq_num++ on success only.
func (s *Session) ShipManifest(m *manifest.Manifest, toolPath string, extra app.BEDaemonArgs) error {
	return s.ship(m, toolPath, extra)
}

// ExecManifest is ShipManifest with Binary/Env/BinaryArgs populated in
// the BE-daemon invocation (spec §4.6 "execManifest").
func (s *Session) ExecManifest(m *manifest.Manifest, toolPath, binary string, binaryArgs, env []string) error {
	return s.ship(m, toolPath, app.BEDaemonArgs{Binary: binary, BinaryArgs: binaryArgs, Env: env})
}

func (s *Session) ship(m *manifest.Manifest, toolPath string, daemonArgs app.BEDaemonArgs) (err error) {
	frontend := s.app.Frontend()

	// Step 1: inject extra files into the first manifest of every Session.
	s.mu.Lock()
	firstShip := !s.requirementsSent
	s.mu.Unlock()

	if firstShip {
		for _, name := range frontend.ExtraFiles(s.app) {
			if err := addExtra(m, name); err != nil {
				return err
			}
		}

		s.mu.Lock()
		sidecars := s.launchSidecars
		s.mu.Unlock()

		for _, p := range sidecars {
			if err := m.AddFile(p); err != nil {
				return err
			}
		}
	}

	if err := m.BeginShipping(); err != nil {
		return err
	}

	entries := m.Entries()

	// Step 2: merge into the registry, dropping entries already shipped
	// with the same folder, name and source path.
	toPack := s.mergeRegistry(entries)

	// Step 3: ld_library_override bookkeeping.
	s.mu.Lock()
	if folder := m.LDLibraryFolder(); folder != "" {
		s.ldLibraryOverride = filepath.Join(s.StagePath(toolPath), folder) + ":" + s.ldLibraryOverride
	}
	override := s.ldLibraryOverride
	s.mu.Unlock()

	// Step 4: name the local archive. The deferred Remove deletes it when
	// ship returns, whatever the outcome; no other cleanup hook exists.
	archivePath := s.localArchivePath(m.InstanceNumber())
	defer os.Remove(archivePath) // a successful ship unlinks below too

	archiveEntries := make([]archive.Entry, len(toPack))
	for i, e := range toPack {
		archiveEntries[i] = archive.Entry{Folder: e.Folder, Realname: e.Realname, SourcePath: e.SourcePath}
	}

	// Step 5: create the tar.
	if err := archive.Pack(archivePath, archiveEntries); err != nil {
		return err
	}

	archiveBase := ""
	if len(archiveEntries) > 0 || firstShip {
		archiveBase = filepath.Base(archivePath)
	}

	// Step 6: ship + start daemon.
	if archiveBase != "" {
		if err := frontend.ShipPackage(s.app, toolPath, archivePath); err != nil {
			return err
		}
	}

	if err := s.ensureBEDaemonShipped(frontend, toolPath); err != nil {
		return err
	}

	s.app.SetStagingRoot(s.StagePath(toolPath))

	daemonArgs.StageName = s.stageName
	daemonArgs.Instance = m.InstanceNumber()
	daemonArgs.ManifestTarBase = archiveBase
	daemonArgs.LDLibraryPath = override
	daemonArgs.Debug = os.Getenv("CTI_DEBUG") != ""

	if err := frontend.StartDaemon(s.app, toolPath, daemonArgs); err != nil {
		return err
	}

	os.Remove(archivePath)

	// Step 7: commit.
	s.mu.Lock()
	s.requirementsSent = true
	s.seqNum++
	s.mu.Unlock()

	m.Seal()

	return nil
}

func (s *Session) mergeRegistry(entries []manifest.Entry) []manifest.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keep []manifest.Entry

	for _, e := range entries {
		key := manifest.Key{Folder: e.Folder, Realname: e.Realname}
		if existing, ok := s.registry[key]; ok && existing == e.SourcePath {
			continue // same folder, name and source path as something already shipped
		}

		s.registry[key] = e.SourcePath
		keep = append(keep, e)
	}

	return keep
}

func (s *Session) ensureBEDaemonShipped(frontend app.Frontend, toolPath string) error {
	s.mu.Lock()
	if s.beDaemonSent {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := frontend.ShipPackage(s.app, toolPath, s.beDaemonPath); err != nil {
		return err
	}

	s.mu.Lock()
	s.beDaemonSent = true
	s.mu.Unlock()

	return nil
}

// addExtra adds one WLM-declared extra-file requirement to m, dispatching
// on whether the path looks like a shared library.
func addExtra(m *manifest.Manifest, path string) error {
	if strings.Contains(filepath.Base(path), ".so") {
		return m.AddLibrary(path)
	}

	return m.AddBinary(path)
}

// Finalize invokes the BE daemon once more with --clean if at least one
// manifest was shipped (spec §4.6 "finalize").
func (s *Session) Finalize(toolPath string) error {
	s.mu.Lock()
	shipped := s.seqNum > 0
	s.mu.Unlock()

	if !shipped {
		return nil
	}

	return s.app.Frontend().StartDaemon(s.app, toolPath, app.BEDaemonArgs{
		StageName: s.stageName,
		Clean:     true,
	})
}
