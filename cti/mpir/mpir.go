// Package mpir implements the MPIR debugger-interoperability protocol
// (spec C2, §4.2) atop an inferior.Inferior: set the being-debugged flag,
// plant the breakpoint, run to the startup barrier, extract the
// proctable, and release.
package mpir

import (
	"context"
	"time"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/inferior"
)

// Required MPIR symbols (spec §4.2).
const (
	symBeingDebugged = "MPIR_being_debugged"
	symBreakpoint    = "MPIR_Breakpoint"
	symDebugState    = "MPIR_debug_state"
	symProctable     = "MPIR_proctable"
	symProctableSize = "MPIR_proctable_size"
)

// DebugState mirrors the MPIR_debug_state values.
type DebugState int32

// DEBUG_SPAWNED is the state the launcher sets once the proctable is
// populated and every rank has been spawned (spec §4.2 step 3).
const DebugSpawned DebugState = 1

// procDescSize is sizeof({host_name*, executable_name*, pid}) on a
// 64-bit target: two 8-byte pointers followed by a 4-byte pid, padded to
// 8-byte alignment (spec §6 "MPIR proctable entry").
const procDescSize = 24

// Driver drives the MPIR protocol on a single inferior (a launcher such
// as srun/aprun/flux).
type Driver struct {
	inf *inferior.Inferior
}

// New wraps an already-spawned or already-attached inferior.
func New(inf *inferior.Inferior) *Driver {
	return &Driver{inf: inf}
}

// SetBeingDebugged writes MPIR_being_debugged = 1 and plants the
// MPIR_Breakpoint breakpoint (spec §4.2 steps 1-2).
func (d *Driver) SetBeingDebugged(ctx context.Context) error {
	addr, err := d.inf.ResolveSymbol(symBeingDebugged)
	if err != nil {
		return err
	}

	if err := d.inf.WriteInt32(addr, 1); err != nil {
		return err
	}

	return d.inf.SetBreakpoint(symBreakpoint)
}

// RunToBarrier loops continue/stop until MPIR_debug_state == DEBUG_SPAWNED
// and MPIR_proctable_size > 0 (spec §4.2 step 3). attachFlavor additionally
// requires a non-empty proctable size before the state check, since an
// attached launcher may already be past the barrier.
func (d *Driver) RunToBarrier(ctx context.Context, attachFlavor bool) error {
	stateAddr, err := d.inf.ResolveSymbol(symDebugState)
	if err != nil {
		return err
	}

	sizeAddr, err := d.inf.ResolveSymbol(symProctableSize)
	if err != nil {
		return err
	}

	for {
		reason, _, err := d.inf.ContinueRun(ctx)
		if err != nil {
			return err
		}

		if reason == inferior.Exited {
			return ctierr.New(ctierr.MpirLaunchExited, "launcher exited before reaching the MPIR barrier")
		}

		size, err := d.inf.ReadInt32(sizeAddr)
		if err != nil {
			return err
		}

		if attachFlavor && size <= 0 {
			continue
		}

		state, err := d.inf.ReadInt32(stateAddr)
		if err != nil {
			return err
		}

		if DebugState(state) == DebugSpawned && size > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctierr.New(ctierr.Cancelled, "mpir barrier wait cancelled")
		case <-time.After(time.Second):
		}
	}
}

// ReadProctable reads out the MPIR_proctable array (spec §4.2 step 4).
func (d *Driver) ReadProctable(ctx context.Context) (app.ProcTable, error) {
	tableAddr, err := d.inf.ResolveSymbol(symProctable)
	if err != nil {
		return nil, err
	}

	base, err := d.inf.ReadUint64(tableAddr)
	if err != nil {
		return nil, err
	}

	sizeAddr, err := d.inf.ResolveSymbol(symProctableSize)
	if err != nil {
		return nil, err
	}

	size, err := d.inf.ReadInt32(sizeAddr)
	if err != nil {
		return nil, err
	}

	pt := make(app.ProcTable, 0, size)

	for idx := int32(0); idx < size; idx++ {
		entryAddr := base + uint64(idx)*procDescSize

		hostPtr, err := d.inf.ReadUint64(entryAddr)
		if err != nil {
			return nil, err
		}

		execPtr, err := d.inf.ReadUint64(entryAddr + 8)
		if err != nil {
			return nil, err
		}

		pidVal, err := d.inf.ReadInt32(entryAddr + 16)
		if err != nil {
			return nil, err
		}

		host, err := d.inf.ReadCString(hostPtr)
		if err != nil {
			return nil, err
		}

		exe, err := d.inf.ReadCString(execPtr)
		if err != nil {
			return nil, err
		}

		pt = append(pt, app.ProcTableEntry{PID: int(pidVal), Hostname: host, Executable: exe})
	}

	return pt, nil
}

// ReleaseBarrier continues the inferior past the barrier and detaches
// (spec §4.2 step 5).
func (d *Driver) ReleaseBarrier() error {
	return d.inf.Detach(false)
}

// WaitExit continues the inferior until it exits, crashes, or is merely
// detached, matching spec §4.2's wait_exit semantics (Dyninst reports
// detach as termination, hence the 0 "detached" case). A negative exit
// code from ContinueRun means the inferior was killed by a signal, which
// this reports as the -1 "crashed" case rather than a real exit code.
func (d *Driver) WaitExit(ctx context.Context) (int, error) {
	for {
		reason, exitCode, err := d.inf.ContinueRun(ctx)
		if err != nil {
			return 0, err
		}

		if reason == inferior.Exited {
			if exitCode < 0 {
				return -1, nil
			}
			return exitCode, nil
		}
	}
}
