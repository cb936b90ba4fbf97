package wlm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/app"
)

func TestDetectReturnsAProbedKind(t *testing.T) {
	// Detect never errors: it settles on one of the kinds it probes for
	// (Localhost when no Cray marker or launcher binary is found). Which
	// one depends on the host running the test.
	kind := Detect()
	require.Contains(t, []app.WLMKind{app.WLMLocalhost, app.WLMSlurm, app.WLMFlux, app.WLMALPS, app.WLMPALS}, kind)
}
