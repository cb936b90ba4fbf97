// Package inferior wraps a single inferior process under external debug
// control (spec C1): spawn/attach, typed memory access via its symbol
// table, breakpoints, continue/wait, detach/terminate.
//
// The process-control and symbol-table engine is github.com/go-delve/delve
// — the Go ecosystem's analogue of Dyninst. Rather than importing delve's
// internal ptrace/proc packages directly (an unstable, debugger-shaped
// API), this package drives a `dlv --headless` subprocess exactly the way
// editor integrations and gdlv do: spawn dlv, connect to its JSON-RPC
// service, and issue requests against the documented service/rpc2
// contract. This mirrors spec §1's treatment of Dyninst/libssh2/libarchive
// as external collaborators the core depends on only at their documented
// interface.
package inferior

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// followForkDisabled is set exactly once, before the first Inferior is
// created, the way spec §4.1 requires ("Follow-fork mode is globally
// disabled before any inferior is created"). This prevents a launcher's
// own fork/exec tree (e.g. srun spawning remote shells) from silently
// acquiring breakpoints meant only for the launcher itself.
var followForkDisabled atomic.Bool

// DisableFollowFork must be called once, before the first Spawn/Attach.
// Safe to call more than once; only the first call has effect.
func DisableFollowFork() {
	followForkDisabled.Store(true)
}

// StopReason classifies why ContinueRun returned.
type StopReason int

// Stop reasons.
const (
	StoppedAtBreakpoint StopReason = iota
	StoppedOther
	Exited
)

// Inferior is a handle to one process under dlv's control.
type Inferior struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *rpc2.RPCClient
	addr    string
	path    string
	log     *logger.Logger
	detached bool
}

var dlvPortCounter atomic.Uint32

func nextAddr() string {
	// Ephemeral, loopback-only; one dlv headless instance per Inferior.
	port := 41000 + int(dlvPortCounter.Add(1))%10000
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// Spawn creates a stopped child with stdin/out/err remapped per fdRemap
// (fd indices 0,1,2), opening its symbol table under dlv's control.
// argv[0] is the program name; only argv[1:] is passed on as arguments.
func Spawn(ctx context.Context, path string, argv, env []string, fdRemap [3]string) (*Inferior, error) {
	if !followForkDisabled.Load() {
		return nil, ctierr.New(ctierr.SpawnFailed, "follow-fork mode was never disabled; call inferior.DisableFollowFork at startup")
	}

	addr := nextAddr()

	args := []string{"exec", path, "--headless", "--listen=" + addr, "--api-version=2", "--accept-multiclient", "--"}
	if len(argv) > 0 {
		args = append(args, argv[1:]...)
	}

	cmd := exec.CommandContext(ctx, "dlv", args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if fdRemap[0] != "" {
		f, err := osOpen(fdRemap[0], false)
		if err != nil {
			return nil, ctierr.Wrap(ctierr.SpawnFailed, err, "failed to open stdin remap %s", fdRemap[0])
		}

		cmd.Stdin = f
	}

	if fdRemap[1] != "" {
		f, err := osOpen(fdRemap[1], true)
		if err != nil {
			return nil, ctierr.Wrap(ctierr.SpawnFailed, err, "failed to open stdout remap %s", fdRemap[1])
		}

		cmd.Stdout = f
	}

	if fdRemap[2] != "" {
		f, err := osOpen(fdRemap[2], true)
		if err != nil {
			return nil, ctierr.Wrap(ctierr.SpawnFailed, err, "failed to open stderr remap %s", fdRemap[2])
		}

		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return nil, ctierr.Wrap(ctierr.SpawnFailed, err, "failed to start dlv for %s", path)
	}

	client, err := dialWithRetry(addr)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, ctierr.Wrap(ctierr.SpawnFailed, err, "failed to connect to dlv for %s", path)
	}

	return &Inferior{cmd: cmd, client: client, addr: addr, path: path, log: logger.New(logger.Ctx{"component": "inferior", "path": path})}, nil
}

// Attach opens dlv on an already-running process by pid.
func Attach(ctx context.Context, path string, pid int) (*Inferior, error) {
	if !followForkDisabled.Load() {
		return nil, ctierr.New(ctierr.AttachFailed, "follow-fork mode was never disabled; call inferior.DisableFollowFork at startup")
	}

	addr := nextAddr()

	cmd := exec.CommandContext(ctx, "dlv", "attach", fmt.Sprintf("%d", pid), path, "--headless", "--listen="+addr, "--api-version=2", "--accept-multiclient")
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return nil, ctierr.Wrap(ctierr.AttachFailed, err, "failed to start dlv attach to pid %d", pid)
	}

	client, err := dialWithRetry(addr)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, ctierr.Wrap(ctierr.AttachFailed, err, "failed to connect to dlv attached to pid %d", pid)
	}

	return &Inferior{cmd: cmd, client: client, addr: addr, path: path, log: logger.New(logger.Ctx{"component": "inferior", "pid": pid})}, nil
}

func dialWithRetry(addr string) (*rpc2.RPCClient, error) {
	deadline := time.Now().Add(5 * time.Second)

	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return rpc2.NewClient(addr), nil
		}

		if time.Now().After(deadline) {
			return nil, err
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// osOpen opens path for writing (write=true) or reading, used to remap an
// inferior's stdio to files/pipes named by the caller (e.g. the FE
// daemon's own stdio fds, passed through as paths under /proc/self/fd).
func osOpen(path string, write bool) (*os.File, error) {
	if write {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	}

	return os.OpenFile(path, os.O_RDONLY, 0)
}

// PID returns the debuggee's own pid, as reported by dlv — not the pid of
// the dlv subprocess itself, which differs from the target's pid in the
// Spawn case ("dlv exec" forks the target as its own child).
func (i *Inferior) PID() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.client.ProcessPid()
}

// ModuleBase returns the load address of the first non-shared-library
// image loaded into the inferior (spec §4.1). For a PIE with an absolute
// load address of zero the neutral element 0 is the correct module base.
func (i *Inferior) ModuleBase() (uint64, error) {
	images, err := i.client.ListDynamicLibraries()
	if err != nil {
		return 0, ctierr.Wrap(ctierr.MemoryAccessFailed, err, "failed to list loaded images")
	}

	for _, img := range images {
		if strings.Contains(img.Path, ".so") {
			continue
		}

		return img.LoadAddress, nil
	}

	if len(images) > 0 {
		return images[0].LoadAddress, nil
	}

	return 0, nil
}

// ResolveSymbol resolves a symbol name to its load-adjusted address.
func (i *Inferior) ResolveSymbol(name string) (uint64, error) {
	locs, err := i.client.FindLocation(api.EvalScope{GoroutineID: -1, Frame: 0}, name, false, false)
	if err != nil || len(locs) == 0 {
		return 0, ctierr.New(ctierr.SymbolNotFound, "%s", name)
	}

	return locs[0].PC, nil
}

// ReadMemory reads length bytes starting at addr.
func (i *Inferior) ReadMemory(addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)

	n, err := i.client.ReadMemory(buf, addr)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.MemoryAccessFailed, err, "read %d bytes at 0x%x", length, addr)
	}

	return buf[:n], nil
}

// WriteMemory writes data at addr.
func (i *Inferior) WriteMemory(addr uint64, data []byte) error {
	_, err := i.client.WriteMemory(addr, data)
	if err != nil {
		return ctierr.Wrap(ctierr.MemoryAccessFailed, err, "write %d bytes at 0x%x", len(data), addr)
	}

	return nil
}

// ReadInt32 reads a little-endian int32 at addr.
func (i *Inferior) ReadInt32(addr uint64) (int32, error) {
	buf, err := i.ReadMemory(addr, 4)
	if err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// WriteInt32 writes a little-endian int32 at addr.
func (i *Inferior) WriteInt32(addr uint64, v int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return i.WriteMemory(addr, buf)
}

// ReadUint64 reads a little-endian uint64 (pointer-sized field) at addr.
func (i *Inferior) ReadUint64(addr uint64) (uint64, error) {
	buf, err := i.ReadMemory(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf), nil
}

// ReadCString reads a NUL-terminated string starting at addr, 256 bytes
// at a time.
func (i *Inferior) ReadCString(addr uint64) (string, error) {
	const chunk = 256

	var out []byte

	for {
		buf, err := i.ReadMemory(addr, chunk)
		if err != nil {
			return "", err
		}

		if idx := indexByte(buf, 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), nil
		}

		out = append(out, buf...)
		addr += chunk
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}

	return -1
}

// SetBreakpoint plants a breakpoint at the given symbol/function name.
func (i *Inferior) SetBreakpoint(symbol string) error {
	_, err := i.client.CreateBreakpoint(&api.Breakpoint{FunctionName: symbol})
	if err != nil {
		return ctierr.Wrap(ctierr.SymbolNotFound, err, "failed to set breakpoint on %s", symbol)
	}

	return nil
}

// ContinueRun resumes the inferior and blocks until some thread stops or
// the inferior terminates. The second return value is only meaningful
// when the StopReason is Exited: the inferior's real exit code, -1 if it
// was killed by a signal (Go's os.ProcessState.ExitCode() convention,
// which dlv's ExitStatus inherits), or 0 if the state channel closed
// without a final Exited state (a bare detach, not a termination).
func (i *Inferior) ContinueRun(ctx context.Context) (StopReason, int, error) {
	stateCh := i.client.Continue()

	select {
	case state, ok := <-stateCh:
		if !ok {
			return Exited, 0, nil
		}

		if state.Err != nil {
			return StoppedOther, 0, ctierr.Wrap(ctierr.MemoryAccessFailed, state.Err, "continue failed")
		}

		if state.Exited {
			return Exited, state.ExitStatus, nil
		}

		for _, thread := range state.Threads {
			if thread.Breakpoint != nil {
				return StoppedAtBreakpoint, 0, nil
			}
		}

		return StoppedOther, 0, nil
	case <-ctx.Done():
		return StoppedOther, 0, ctierr.New(ctierr.Cancelled, "continue cancelled")
	}
}

// Detach detaches from the inferior, optionally killing it first.
func (i *Inferior) Detach(kill bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.detached {
		return nil
	}

	err := i.client.Detach(kill)
	i.detached = true

	if i.cmd != nil && i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
		_, _ = i.cmd.Process.Wait()
	}

	if err != nil {
		return ctierr.Wrap(ctierr.Terminated, err, "detach failed")
	}

	return nil
}

// Terminate detaches (killing the inferior) then reaps the dlv helper.
func (i *Inferior) Terminate() error {
	return i.Detach(true)
}
