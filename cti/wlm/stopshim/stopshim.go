// Package stopshim implements the self-stopping pre-exec hook the original
// shipped as tiny standalone helpers (cti_slurm_stop.c, libctistop.c):
// SIGSTOP the process immediately after exec so a debugger can attach
// before the job runs past its first instructions, for WLMs with no
// native launch-at-barrier support (SPEC_FULL §12.5).
package stopshim

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// EnvVar, when set in a child's environment, tells WrapMain to stop itself
// before running argv.
const EnvVar = "CTI_STOPSHIM"

// WrapArgv prefixes argv so that the process re-execs itself through this
// same binary with EnvVar set, landing in WrapMain before the real
// command ever runs. Callers that build their own tiny stopshim binary
// instead just set EnvVar directly in the child's env and call WrapMain
// at the top of their own main().
func WrapArgv(selfPath string, argv []string) []string {
	return append([]string{selfPath, "--cti-stopshim"}, argv...)
}

// WrapMain raises SIGSTOP against the current process, then execs argv
// in place. Call this at the very top of a binary's main() when EnvVar is
// set; it never returns on success.
func WrapMain(argv []string, env []string) error {
	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		return err
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}

	return unix.Exec(path, argv, env)
}
