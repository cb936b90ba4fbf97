// Package app holds the WLM-abstract data model shared by every backend:
// the App and ProcTable/StepLayout types (spec §3) and the Frontend
// interface each WLM backend (spec §4.5, C5) implements. It deliberately
// has no dependency on any concrete WLM package or on the Session/Manifest
// packages, so that App can hold a back-reference to its owning Frontend
// without an import cycle (consumer defines the interface it needs).
package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

// WLMKind identifies a workload manager variant.
type WLMKind int

// WLM variants, matching the BE-daemon --wlm enum values in spec §6.
const (
	WLMUnknown WLMKind = iota
	WLMSlurm
	WLMALPS
	WLMPALS
	WLMFlux
	WLMSSH
	WLMLocalhost
)

// String renders the WLM kind the way CTI_WLM_IMPL expects it.
func (k WLMKind) String() string {
	switch k {
	case WLMSlurm:
		return "slurm"
	case WLMALPS:
		return "alps"
	case WLMPALS:
		return "pals"
	case WLMFlux:
		return "flux"
	case WLMSSH:
		return "generic"
	case WLMLocalhost:
		return "localhost"
	default:
		return "unknown"
	}
}

// BEWireValue returns the numeric code of k (slurm 1 through localhost 6).
// cmd/cti_be_daemon's --wlm flag does not take this number: it takes the
// String() name and parses it with ParseWLMKind.
func (k WLMKind) BEWireValue() int {
	switch k {
	case WLMSlurm:
		return 1
	case WLMALPS:
		return 2
	case WLMPALS:
		return 3
	case WLMFlux:
		return 4
	case WLMSSH:
		return 5
	case WLMLocalhost:
		return 6
	default:
		return 0
	}
}

// ParseWLMKind maps a CTI_WLM_IMPL value to a WLMKind.
func ParseWLMKind(s string) (WLMKind, error) {
	switch strings.ToLower(s) {
	case "slurm":
		return WLMSlurm, nil
	case "alps":
		return WLMALPS, nil
	case "pals":
		return WLMPALS, nil
	case "flux":
		return WLMFlux, nil
	case "generic", "ssh":
		return WLMSSH, nil
	case "localhost":
		return WLMLocalhost, nil
	default:
		return WLMUnknown, ctierr.New(ctierr.WLMUnsupported, "unrecognized CTI_WLM_IMPL value %q", s)
	}
}

// ProcTableEntry is one rank's {pid, hostname, executable} triple (spec §3).
type ProcTableEntry struct {
	PID        int
	Hostname   string
	Executable string
}

// ProcTable is the ordered rank-to-(pid,host,executable) mapping extracted
// via MPIR. Immutable after extraction.
type ProcTable []ProcTableEntry

// NodeLayout describes one compute node's share of a StepLayout.
type NodeLayout struct {
	Hostname  string
	LocalPIDs []int
	FirstPE   int
}

// StepLayout is the total PE count plus a per-node breakdown, derived from
// a ProcTable (spec §3). Node order is the order in which each node's
// first PE appears in the ProcTable.
type StepLayout struct {
	NumPEs int
	Nodes  []NodeLayout
}

// normalizeHostname truncates at the first '.' to tolerate FQDN
// inconsistencies between launchers (spec §3).
func normalizeHostname(host string) string {
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		return host[:idx]
	}

	return host
}

// ComputeStepLayout derives a StepLayout from a ProcTable.
func ComputeStepLayout(pt ProcTable) *StepLayout {
	layout := &StepLayout{NumPEs: len(pt)}

	index := map[string]int{}
	for pe, entry := range pt {
		host := normalizeHostname(entry.Hostname)

		idx, ok := index[host]
		if !ok {
			idx = len(layout.Nodes)
			index[host] = idx
			layout.Nodes = append(layout.Nodes, NodeLayout{Hostname: host, FirstPE: pe})
		}

		layout.Nodes[idx].LocalPIDs = append(layout.Nodes[idx].LocalPIDs, entry.PID)
	}

	return layout
}

// JobID carries the WLM-specific job identifiers. Arity varies per WLM
// (spec §3): SLURM needs job+step and an optional het-job offset, Flux
// uses a 64-bit id, PALS a string apid; unused fields stay zero.
type JobID struct {
	Primary   string // SLURM job id / ALPS apid / PALS apid / SSH host tag
	StepID    string // SLURM step id
	HetOffset *int   // SLURM het-job offset, nil if not a het job
	FluxID    uint64 // Flux 64-bit job id
}

// BarrierState is one of the App lifecycle states (spec §4.11).
type BarrierState int

// App lifecycle states.
const (
	Launched BarrierState = iota
	AtBarrier
	Running
	Released
	Deregistered
)

var nextAppID uint64

// NewAppID allocates a fresh opaque, process-local App id.
func NewAppID() uint64 {
	return atomic.AddUint64(&nextAppID, 1)
}

// BEDaemonArgs is the argument set StartDaemon passes through to a WLM
// backend's launcher invocation of cti_be_daemon (spec §6).
type BEDaemonArgs struct {
	StageName        string
	Instance         int
	ManifestTarBase  string // basename of the tar under ToolPath, empty if stage-only
	Binary           string // basename under bin/, empty to skip exec
	Env              []string
	BinaryArgs       []string
	LDLibraryPath    string // override, may be empty
	PMIAttribsPath   string
	Clean            bool
	Debug            bool
}

// Frontend is the polymorphic WLM backend interface (spec §4.5, C5). Each
// variant (SLURM/ALPS/PALS/Flux/SSH/Localhost) carries its own internal
// state and implements this single capability set.
type Frontend interface {
	// Kind identifies the concrete WLM variant.
	Kind() WLMKind

	// Launch starts path/argv/env with the given stdio fd remap and returns
	// an App immediately (no MPIR barrier involved).
	Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*App, error)

	// LaunchBarrier starts the job under MPIR control and blocks until the
	// MPIR startup barrier is reached, returning an App AtBarrier with its
	// ProcTable populated.
	LaunchBarrier(ctx context.Context, path string, argv, env []string, fds [3]int) (*App, error)

	// RegisterJob attaches to an already-running launcher process by pid
	// and extracts its ProcTable via MPIR attach semantics.
	RegisterJob(ctx context.Context, launcherPID int) (*App, error)

	// ReleaseBarrier resumes an AtBarrier App. Monotonic: a second call
	// must fail with ctierr.BarrierAlreadyReleased.
	ReleaseBarrier(app *App) error

	// Kill sends a WLM-native signal to the App's job.
	Kill(app *App, signal int) error

	// ShipPackage transfers the named local tar to every compute node of
	// the App's job, landing it at <ToolPath>/<basename>.
	ShipPackage(app *App, toolPath, localTarPath string) error

	// StartDaemon fans the BE daemon binary out, one instance per compute
	// node, with the given arguments.
	StartDaemon(app *App, toolPath string, args BEDaemonArgs) error

	// ListHosts returns the distinct compute-node hostnames of the App's job.
	ListHosts(app *App) ([]string, error)

	// ExtraFiles enumerates additional binaries/libraries/dirs this variant
	// needs present on compute nodes (spec §4.5 "Extra files").
	ExtraFiles(app *App) []string

	// IsRunning reports whether the App's job is still alive at the WLM
	// layer.
	IsRunning(app *App) (bool, error)
}

// App is the WLM-abstract handle to one launched or attached parallel job
// (spec §3).
type App struct {
	mu sync.Mutex

	id       uint64
	frontend Frontend
	wlm      WLMKind
	jobID    JobID

	launcherPID int
	// mpirSessionHeld is true while the MPIR session for this App is still
	// open (i.e. the barrier has not been released). Empty/false after
	// release, per spec §3's "App whose MPIR session is still held is
	// considered at barrier" invariant.
	mpirSessionHeld bool
	mpirID          uint64

	proctable   ProcTable
	stagingRoot string
	state       BarrierState
}

// NewApp constructs an App. Called only by Frontend implementations.
func NewApp(frontend Frontend, wlm WLMKind, jobID JobID, launcherPID int, pt ProcTable, atBarrier bool) *App {
	state := Running
	if atBarrier {
		state = AtBarrier
	}

	return &App{
		id:              NewAppID(),
		frontend:        frontend,
		wlm:             wlm,
		jobID:           jobID,
		launcherPID:     launcherPID,
		mpirSessionHeld: atBarrier,
		proctable:       pt,
		state:           state,
	}
}

// ID returns the App's opaque process-local identifier.
func (a *App) ID() uint64 { return a.id }

// Frontend returns the App's owning Frontend.
func (a *App) Frontend() Frontend { return a.frontend }

// WLMKind returns the App's WLM variant.
func (a *App) WLMKind() WLMKind { return a.wlm }

// JobID returns the App's WLM job identifiers.
func (a *App) JobID() JobID { return a.jobID }

// LauncherPID returns the pid of the launcher process (srun, aprun, ...).
func (a *App) LauncherPID() int { return a.launcherPID }

// ProcTable returns the App's extracted rank table.
func (a *App) ProcTable() ProcTable { return a.proctable }

// StepLayout derives this App's node/PE layout from its ProcTable.
func (a *App) StepLayout() *StepLayout { return ComputeStepLayout(a.proctable) }

// StagingRoot returns the remote staging root path on compute nodes, set
// once the first Session/Manifest is shipped for this App.
func (a *App) StagingRoot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stagingRoot
}

// SetStagingRoot records the remote staging root path.
func (a *App) SetStagingRoot(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stagingRoot = path
}

// State returns the App's current barrier lifecycle state.
func (a *App) State() BarrierState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AtBarrier reports whether the App's MPIR session is still held.
func (a *App) AtBarrier() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mpirSessionHeld
}

// SetMPIRSession records the FE-daemon-side MPIR session id backing this
// App's held barrier. Called only by Frontend implementations right after
// NewApp, before the App is handed back to the caller.
func (a *App) SetMPIRSession(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mpirID = id
}

// MPIRSession returns the held MPIR session id, or ok=false if the
// barrier has already been released (or never existed).
func (a *App) MPIRSession() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mpirID, a.mpirSessionHeld
}

// MarkReleased transitions AtBarrier -> Running and clears the held MPIR
// session flag. Returns ctierr.BarrierAlreadyReleased if already released
// (spec invariant: release_barrier succeeds at most once).
func (a *App) MarkReleased() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mpirSessionHeld {
		return ctierr.New(ctierr.BarrierAlreadyReleased, "app %d", a.id)
	}

	a.mpirSessionHeld = false
	a.state = Running

	return nil
}

// MarkDeregistered transitions the App to its terminal state.
func (a *App) MarkDeregistered() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = Deregistered
}
