// Package manifest implements the pre-ship file accumulator (spec §4.7,
// C7): addBinary/addLibrary/addLibDir/addFile, conflict classification
// against the owning Session's registry, and transitive library
// dependency discovery via an LD_AUDIT shim subprocess.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

// Conflict classifies a candidate (folder, realname) pair against a
// Session's registry (spec §3 "File entry").
type Conflict int

// Conflict classifications.
const (
	ConflictNone Conflict = iota
	ConflictAlreadyAdded
	ConflictNameOverwrite
)

// Entry is one accumulated file (spec §3 "File entry").
type Entry struct {
	Folder     string
	Realname   string
	SourcePath string
}

// Key identifies an Entry's (folder, realname) pair.
type Key struct{ Folder, Realname string }

// Registry resolves conflicts for a Manifest against everything already
// shipped in the owning Session (spec §4.7's conflict classification is
// defined "within a Session").
type Registry interface {
	// Lookup returns the already-registered source path for key, if any.
	Lookup(key Key) (sourcePath string, ok bool)
}

// State is a Manifest's lifecycle (spec §4.11 "Manifest: Open -> Shipping
// -> Sealed").
type State int

// Manifest states.
const (
	Open State = iota
	Shipping
	Sealed
)

// Manifest accumulates files for one ship (spec §4.7). Created via
// Session.CreateManifest; InstanceNumber is fixed at creation.
type Manifest struct {
	mu sync.Mutex

	instanceNumber  int
	lockFilePath    string
	registry        Registry
	ldLibraryFolder string // non-empty once a NameOverwrite created a lib.<n> override

	state   State
	entries map[Key]Entry
	order   []Key
}

// New constructs a Manifest owned by registry, with instanceNumber fixed
// at creation and a lock file path derived per spec §3 "Remote lock
// files": <toolPath>/.lock_<stage_name>_<N>.
func New(registry Registry, toolPath, stageName string, instanceNumber int) *Manifest {
	return &Manifest{
		instanceNumber: instanceNumber,
		lockFilePath:   filepath.Join(toolPath, fmt.Sprintf(".lock_%s_%d", stageName, instanceNumber)),
		registry:       registry,
		entries:        map[Key]Entry{},
	}
}

// InstanceNumber returns the manifest's fixed sequence number.
func (m *Manifest) InstanceNumber() int { return m.instanceNumber }

// LockFilePath returns the remote lock file path this manifest's ship
// will eventually create.
func (m *Manifest) LockFilePath() string { return m.lockFilePath }

// LDLibraryFolder returns the private lib.<n> override folder name this
// manifest created, or "" if none was needed.
func (m *Manifest) LDLibraryFolder() string { return m.ldLibraryFolder }

// Entries returns the accumulated entries in insertion order.
func (m *Manifest) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, len(m.order))
	for i, k := range m.order {
		out[i] = m.entries[k]
	}

	return out
}

func (m *Manifest) classify(folder, realname, sourcePath string) (Conflict, error) {
	real, err := filepath.EvalSymlinks(sourcePath)
	if err != nil {
		real = sourcePath
	}

	existing, ok := m.registry.Lookup(Key{Folder: folder, Realname: realname})
	if !ok {
		return ConflictNone, nil
	}

	existingReal, err := filepath.EvalSymlinks(existing)
	if err != nil {
		existingReal = existing
	}

	if existingReal == real {
		return ConflictAlreadyAdded, nil
	}

	return ConflictNameOverwrite, nil
}

func (m *Manifest) add(folder, realname, sourcePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Open {
		return ctierr.New(ctierr.ManifestSealed, "manifest %d is sealed", m.instanceNumber)
	}

	conflict, err := m.classify(folder, realname, sourcePath)
	if err != nil {
		return err
	}

	switch conflict {
	case ConflictAlreadyAdded:
		return nil

	case ConflictNameOverwrite:
		if folder != "lib" && !strings.HasPrefix(folder, "lib.") {
			return ctierr.New(ctierr.SessionConflict, "name overwrite for non-library file %s/%s", folder, realname)
		}

		m.ldLibraryFolder = fmt.Sprintf("lib.%d", m.instanceNumber)
		folder = m.ldLibraryFolder
	}

	key := Key{Folder: folder, Realname: realname}
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}

	m.entries[key] = Entry{Folder: folder, Realname: realname, SourcePath: sourcePath}

	return nil
}

// AddFile records path under the root folder (spec §4.7 addFile).
func (m *Manifest) AddFile(path string) error {
	return m.add("", filepath.Base(path), path)
}

// AddLibDir records path's real directory as a single lib entry (spec
// §4.7 addLibDir). The directory itself, not its contents, is shipped;
// callers that need specific libraries from it should use AddLibrary.
func (m *Manifest) AddLibDir(path string) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}

	return m.add("lib", filepath.Base(real), real)
}

// AddBinary resolves name via PATH, checks X+R permission, records it
// under bin, then transitively adds its library dependencies (spec §4.7
// addBinary).
func (m *Manifest) AddBinary(name string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return ctierr.Wrap(ctierr.LauncherNotFound, err, "resolving binary %s", name)
	}

	if err := checkExecutable(path); err != nil {
		return err
	}

	if err := m.add("bin", filepath.Base(path), path); err != nil {
		return err
	}

	return m.addLibDeps(path)
}

// AddLibrary resolves name via LD_LIBRARY_PATH and default lib dirs,
// records it under lib (with conflict resolution per spec §3), then
// transitively adds its own dependencies (spec §4.7 addLibrary).
func (m *Manifest) AddLibrary(name string) error {
	path, err := resolveLibrary(name)
	if err != nil {
		return err
	}

	if err := m.add("lib", filepath.Base(path), path); err != nil {
		return err
	}

	return m.addLibDeps(path)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return ctierr.Wrap(ctierr.LauncherNotFound, err, "stat %s", path)
	}

	if info.Mode()&0o111 == 0 || info.Mode()&0o444 == 0 {
		return ctierr.New(ctierr.LauncherNotFound, "%s is not executable and readable", path)
	}

	return nil
}

func resolveLibrary(name string) (string, error) {
	dirs := strings.Split(os.Getenv("LD_LIBRARY_PATH"), ":")
	dirs = append(dirs, "/lib64", "/usr/lib64", "/lib", "/usr/lib")

	for _, dir := range dirs {
		if dir == "" {
			continue
		}

		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}

	return "", ctierr.New(ctierr.LauncherNotFound, "library %s not found on LD_LIBRARY_PATH or default lib dirs", name)
}

// defaultBlacklist is the library-path prefixes dropped from audit-based
// dependency discovery (spec §4.7: "default /lib, /lib64, /usr/lib,
// /usr/lib64").
var defaultBlacklist = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"}

// addLibDeps spawns path through the dynamic loader with an audit hook
// attached (spec §4.7 "Library dependency discovery"): the audit library
// (CRAY_LD_VAL_LIBRARY) writes each loaded object's absolute path to
// stderr, NUL-terminated; the first path (the loader itself) is always
// dropped, as is anything under the blacklist.
func (m *Manifest) addLibDeps(path string) error {
	auditLib := os.Getenv("CRAY_LD_VAL_LIBRARY")
	if auditLib == "" {
		return nil
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), "LD_AUDIT="+auditLib, "LD_BIND_NOW=1")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil
	cmd.Stdin = nil

	_ = cmd.Run() // the audited child is expected to run briefly then be killed/exit; its own exit status is not meaningful here

	paths := splitNULTerminated(stderr.Bytes())
	if len(paths) > 0 {
		paths = paths[1:] // drop the loader itself
	}

	for _, p := range paths {
		if isBlacklisted(p) {
			continue
		}

		if err := m.add("lib", filepath.Base(p), p); err != nil {
			return err
		}
	}

	return nil
}

func splitNULTerminated(data []byte) []string {
	var out []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		if idx := bytes.IndexByte(data, 0); idx >= 0 {
			return idx + 1, data[:idx], nil
		}

		if atEOF {
			return len(data), data, nil
		}

		return 0, nil, nil
	})

	for scanner.Scan() {
		if text := scanner.Text(); text != "" {
			out = append(out, text)
		}
	}

	return out
}

func isBlacklisted(path string) bool {
	for _, prefix := range defaultBlacklist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// BeginShipping transitions Open -> Shipping (spec §4.11). Fails if not
// currently Open.
func (m *Manifest) BeginShipping() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Open {
		return ctierr.New(ctierr.ManifestSealed, "manifest %d already shipping or sealed", m.instanceNumber)
	}

	m.state = Shipping

	return nil
}

// Seal transitions Shipping -> Sealed, atomic with the Session's
// seq_num++ at the call site (spec §4.11).
func (m *Manifest) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Sealed
}

// State returns the manifest's current lifecycle state.
func (m *Manifest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
