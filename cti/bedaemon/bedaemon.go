// Package bedaemon implements the compute-node-resident BE daemon's
// startup sequence (spec §4.9, C9): fd hygiene, WLM init hook, tool
// environment setup, manifest extraction, instance-ordering lock files,
// and the final exec (or --clean / stage-only exit).
package bedaemon

import (
	"archive/tar"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/sidecar"
)

// lockPollInterval is the busy-wait poll period for prior-instance lock
// files (spec §4.9 step 7).
const lockPollInterval = 10 * time.Millisecond

// Config is the full set of arguments a cti_be_daemon invocation carries
// (spec §6's CLI flag grammar, decoded by cmd/cti_be_daemon's flags).
type Config struct {
	WLM       app.WLMKind
	JobID     string
	ToolPath  string
	StageName string
	Instance  int

	ManifestTar string // local path to the shipped tar, "" if none
	Binary      string // basename under <stage>/bin, "" for stage-only
	BinaryArgs  []string
	Env         []string

	LDLibraryOverride string
	PMIAttribsPath    string

	Clean bool
	Debug bool
	LogDir string
}

func (c Config) stagePath() string {
	return filepath.Join(c.ToolPath, c.StageName)
}

func (c Config) lockPath(instance int) string {
	return filepath.Join(c.ToolPath, fmt.Sprintf(".lock_%s_%d", c.StageName, instance))
}

// Run executes the full startup sequence (spec §4.9 steps 1-11). It
// returns only on failure, on --clean completion, on stage-only
// completion, or if the final exec itself fails; a successful exec never
// returns.
func Run(cfg Config) error {
	if err := closeExtraFDs(); err != nil {
		return err
	}

	nodeID := resolveNodeID()

	if err := redirectStdio(cfg, nodeID); err != nil {
		return err
	}

	if err := chdirAndChmod(cfg.ToolPath); err != nil {
		return err
	}

	if cfg.Clean {
		return cleanStage(cfg)
	}

	if cfg.ManifestTar != "" {
		if err := extractManifest(cfg.ManifestTar, cfg.stagePath()); err != nil {
			return err
		}

		os.Remove(cfg.ManifestTar)
	}

	if err := createLockFile(cfg.lockPath(cfg.Instance)); err != nil {
		return err
	}

	waitForPriorInstances(cfg)

	env := buildEnv(cfg, nodeID)

	if cfg.Binary == "" {
		return nil // stage-only mode
	}

	binPath := filepath.Join(cfg.stagePath(), "bin", cfg.Binary)

	argv := append([]string{binPath}, cfg.BinaryArgs...)

	if err := unix.Exec(binPath, argv, env); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "execing staged binary %s", binPath)
	}

	return nil
}

// closeExtraFDs closes every fd at or above 3 (spec §4.9 step 1). Fds
// below 3 are handled by redirectStdio.
func closeExtraFDs() error {
	maxFD := 1024

	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil && lim.Cur > 0 && lim.Cur < 1<<20 {
		maxFD = int(lim.Cur)
	}

	for fd := 3; fd < maxFD; fd++ {
		unix.Close(fd)
	}

	return nil
}

// redirectStdio reopens 0/1/2 to /dev/null, or 1/2 to a node-local debug
// log when cfg.Debug is set (spec §4.9 step 1).
func redirectStdio(cfg Config, nodeID string) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "opening /dev/null")
	}
	defer devNull.Close()

	if err := unix.Dup2(int(devNull.Fd()), 0); err != nil {
		return err
	}

	outFD := devNull.Fd()

	if cfg.Debug {
		logPath := filepath.Join(logDir(cfg), fmt.Sprintf("cti_be_daemon_%s_%s.log", nodeID, cfg.JobID))

		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return ctierr.Wrap(ctierr.SpawnFailed, err, "opening debug log %s", logPath)
		}
		defer logFile.Close()

		outFD = logFile.Fd()
	}

	if err := unix.Dup2(int(outFD), 1); err != nil {
		return err
	}

	if err := unix.Dup2(int(outFD), 2); err != nil {
		return err
	}

	return nil
}

func logDir(cfg Config) string {
	if cfg.LogDir != "" {
		return cfg.LogDir
	}

	return os.TempDir()
}

// resolveNodeID computes a stable per-node identifier (spec §4.9 step 2):
// the Cray XT node id file if present, else a short hash of the hostname.
func resolveNodeID() string {
	if data, err := os.ReadFile("/proc/cray_xt/nid"); err == nil {
		return strings.TrimSpace(string(data))
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	sum := sha1.Sum([]byte(host))

	return hex.EncodeToString(sum[:])[:8]
}

// wlmInitEnv returns the WLM-specific init-hook environment overlay (spec
// §4.9 step 2: "LC_ALL=POSIX and, for Cray, SHELL=/bin/sh").
func wlmInitEnv(wlm app.WLMKind) []string {
	env := []string{"LC_ALL=POSIX"}

	if wlm == app.WLMALPS {
		env = append(env, "SHELL=/bin/sh")
	}

	return env
}

// buildEnv assembles the child's full environment: WLM init vars, tool
// env vars, then PATH/LD_LIBRARY_PATH adjusted to prepend the staging
// bin/lib dirs (spec §4.9 steps 2-3, 8).
func buildEnv(cfg Config, nodeID string) []string {
	stage := cfg.stagePath()

	env := append([]string{}, os.Environ()...)
	env = append(env, wlmInitEnv(cfg.WLM)...)
	env = append(env,
		"APID="+cfg.JobID,
		"WLM="+cfg.WLM.String(),
		"ROOT_DIR="+stage,
		"SCRATCH="+filepath.Join(stage, "tmp"),
		"BIN_DIR="+filepath.Join(stage, "bin"),
		"LIB_DIR="+filepath.Join(stage, "lib"),
		"OLD_SCRATCH="+os.Getenv("TMPDIR"),
		"CTI_NODE_ID="+nodeID,
	)

	if cfg.PMIAttribsPath != "" {
		env = append(env, "PMI_ATTRIBS="+cfg.PMIAttribsPath)
	}

	if pesHere, firstPE, ok := localLayoutInfo(cfg); ok {
		env = append(env, "CTI_PES_HERE="+strconv.Itoa(pesHere), "CTI_FIRST_PE="+strconv.Itoa(firstPE))
	}

	env = append(env, cfg.Env...)

	path := prependPath(os.Getenv("PATH"), filepath.Join(stage, "bin"))
	ldPath := prependPath(os.Getenv("LD_LIBRARY_PATH"), filepath.Join(stage, "lib"))

	if cfg.LDLibraryOverride != "" {
		ldPath = cfg.LDLibraryOverride + ldPath
	}

	env = append(env, "PATH="+path, "LD_LIBRARY_PATH="+ldPath)

	return env
}

// localLayoutInfo reads the layout sidecar shipped with the first
// manifest (spec §4.5 "Launch (at barrier)") and returns this node's
// pes_here/first_pe, or ok=false if no layout file is in the stage
// directory (e.g. a Launch rather than a LaunchBarrier).
func localLayoutInfo(cfg Config) (pesHere, firstPE int, ok bool) {
	records, err := sidecar.ReadLayout(filepath.Join(cfg.stagePath(), "layout"))
	if err != nil {
		return 0, 0, false
	}

	host, err := os.Hostname()
	if err != nil {
		return 0, 0, false
	}
	host = normalizeHostname(host)

	for _, r := range records {
		if normalizeHostname(r.Hostname) == host {
			return r.PEsHere, r.FirstPE, true
		}
	}

	return 0, 0, false
}

// normalizeHostname truncates at the first '.' (spec §3), matching how
// the layout file's hostnames were normalized when written.
func normalizeHostname(host string) string {
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		return host[:idx]
	}

	return host
}

func prependPath(existing, dir string) string {
	if existing == "" {
		return dir
	}

	return dir + ":" + existing
}

// chdirAndChmod implements spec §4.9 step 4.
func chdirAndChmod(toolPath string) error {
	if err := os.Chdir(toolPath); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "chdir %s", toolPath)
	}

	info, err := os.Stat(toolPath)
	if err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "stat %s", toolPath)
	}

	mode := info.Mode().Perm() | 0o700

	if err := os.Chmod(toolPath, mode); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "chmod %s", toolPath)
	}

	return nil
}

// extractManifest unpacks tarPath under root (the stage directory),
// restoring file modes (spec §4.9 step 5).
func extractManifest(tarPath, root string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return ctierr.Wrap(ctierr.ExtractFailed, err, "opening manifest tar %s", tarPath)
	}
	defer f.Close()

	tr := tar.NewReader(f)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ctierr.Wrap(ctierr.ExtractFailed, err, "reading manifest tar %s", tarPath)
		}

		target := filepath.Join(root, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return ctierr.Wrap(ctierr.ExtractFailed, err, "creating dir %s", target)
			}

		case tar.TypeReg:
			if err := extractFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}

		default:
			return ctierr.New(ctierr.ExtractFailed, "unsupported entry kind in manifest tar: %s", hdr.Name)
		}
	}
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ctierr.Wrap(ctierr.ExtractFailed, err, "creating parent dir for %s", target)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return ctierr.Wrap(ctierr.ExtractFailed, err, "creating %s", target)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return ctierr.Wrap(ctierr.ExtractFailed, err, "writing %s", target)
	}

	return out.Chmod(mode)
}

// createLockFile implements spec §4.9 step 6. It must not be created
// until extraction has completed successfully (enforced by call order in
// Run).
func createLockFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "creating lock file %s", path)
	}

	return f.Close()
}

// waitForPriorInstances busy-waits for every prior instance's lock file
// (spec §4.9 step 7). It never errors: a missing WLM-side cleanup of a
// stale instance would otherwise hang a whole job, so this is a poll with
// no timeout, matching the original's unconditional busy-wait.
func waitForPriorInstances(cfg Config) {
	for i := 0; i < cfg.Instance; i++ {
		path := cfg.lockPath(i)

		for {
			if _, err := os.Stat(path); err == nil {
				break
			}

			time.Sleep(lockPollInterval)
		}
	}
}

// cleanStage implements spec §4.9 step 9: recursively remove the stage
// directory and exit 0.
func cleanStage(cfg Config) error {
	if err := os.RemoveAll(cfg.stagePath()); err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "removing stage %s", cfg.stagePath())
	}

	return nil
}
