// Package wlm selects and constructs the concrete Frontend variant (spec
// §4.5): explicit CTI_WLM_IMPL override, else a probe of which launcher
// binaries/filesystems are present.
package wlm

import (
	"os"
	"os/exec"

	"github.com/common-tools-interface/cti-sub004/cti/app"
)

// Detect probes the environment for a WLM, in the original's priority
// order: Cray-specific filesystem markers first (ALPS, PALS), then known
// launcher binaries on PATH, falling back to Localhost.
func Detect() app.WLMKind {
	if _, err := os.Stat("/var/opt/cray/alps"); err == nil {
		return app.WLMALPS
	}

	if _, err := os.Stat("/var/run/palsd"); err == nil {
		return app.WLMPALS
	}

	if _, err := exec.LookPath("srun"); err == nil {
		return app.WLMSlurm
	}

	if _, err := exec.LookPath("flux"); err == nil {
		return app.WLMFlux
	}

	if _, err := exec.LookPath("aprun"); err == nil {
		return app.WLMALPS
	}

	if _, err := exec.LookPath("mpiexec"); err == nil {
		return app.WLMPALS
	}

	return app.WLMLocalhost
}
