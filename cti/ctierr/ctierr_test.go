package ctierr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

func TestOfMatchesKind(t *testing.T) {
	err := ctierr.New(ctierr.BarrierAlreadyReleased, "app %d", 3)
	require.True(t, ctierr.Of(err, ctierr.BarrierAlreadyReleased))
	require.False(t, ctierr.Of(err, ctierr.ManifestSealed))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := ctierr.Wrap(ctierr.ShipFailed, cause, "ship to node1")
	require.ErrorIs(t, err, cause)
}

func TestWithContext(t *testing.T) {
	err := ctierr.New(ctierr.SessionConflict, "overwrite").WithContext("folder", "lib", "name", "libfoo.so")
	require.Equal(t, "lib", err.Context["folder"])
	require.Equal(t, "libfoo.so", err.Context["name"])
}

func TestLastError(t *testing.T) {
	_ = ctierr.New(ctierr.DaemonLost, "socket closed")
	require.Contains(t, ctierr.LastError(), "DaemonLost")
}
