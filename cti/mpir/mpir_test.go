package mpir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/mpir"
)

func TestDebugSpawnedValue(t *testing.T) {
	// DEBUG_SPAWNED must be nonzero so a zero-initialized MPIR_debug_state
	// never satisfies RunToBarrier's success condition before the
	// launcher actually sets it.
	require.NotEqual(t, mpir.DebugState(0), mpir.DebugSpawned)
}
