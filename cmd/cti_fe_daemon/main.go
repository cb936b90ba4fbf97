// Command cti_fe_daemon is the long-lived supervising child forked by the
// frontend library (spec §4.3, C3): it owns every launcher, tool helper,
// and MPIR inferior so a library crash cannot orphan them.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/server"
	"github.com/common-tools-interface/cti-sub004/cti/inferior"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// socketFD is the fd this binary inherits its control socket on: the
// parent library's client.Start passes the socketpair's child end as the
// sole entry in exec.Cmd.ExtraFiles, which lands at fd 3 in the child.
const socketFD = 3

type cmdDaemon struct {
	registryPath string
	debug        bool
}

func (c *cmdDaemon) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "cti_fe_daemon"
	cmd.RunE = c.run

	flags := cmd.Flags()
	flags.StringVar(&c.registryPath, "registry-path", "registry.yaml", "path to write the live-app registry snapshot")
	flags.BoolVar(&c.debug, "debug", false, "enable debug logging")

	return cmd
}

func (c *cmdDaemon) run(cmd *cobra.Command, args []string) error {
	// A crashed library process can never leave this daemon's supervised
	// children running forever (spec §4.3's crash-recovery guarantee):
	// each launcher/tool-helper child this daemon forks carries its own
	// PR_SET_PDEATHSIG pointed back at this process (see
	// fedaemon/server's handleForkExecvpApp/handleForkExecvpUtil and
	// inferior.Spawn/Attach), so they die the instant this daemon does,
	// without this process itself needing an uncatchable self-kill that
	// would race its own Shutdown-driven cleanup.
	socketFile := os.NewFile(socketFD, "cti-fe-daemon-socket")
	if socketFile == nil {
		return fmt.Errorf("fd %d not available for the control socket", socketFD)
	}

	rawConn, err := net.FileConn(socketFile)
	if err != nil {
		return fmt.Errorf("wrapping control socket: %w", err)
	}

	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("fd %d is not a unix socket", socketFD)
	}

	log := logger.New(logger.Ctx{"component": "cti_fe_daemon"})
	log.SetDebug(c.debug)

	inferior.DisableFollowFork()

	srv := server.New(conn, c.registryPath, log)

	return srv.Serve(context.Background())
}

func main() {
	d := &cmdDaemon{}

	if err := d.command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
