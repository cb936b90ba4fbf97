// Command cti_be_daemon is the compute-node-resident BE daemon (spec §4.9,
// §6, C9): it extracts a shipped manifest, waits its turn behind any prior
// instance, sets up the tool environment, and execs the staged binary.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/bedaemon"
)

type cmdDaemon struct {
	wlm         string
	jobID       string
	toolPath    string
	stageName   string
	instance    int
	manifestTar string
	binary      string
	binaryArgs  []string
	env         []string
	ldOverride  string
	pmiAttribs  string
	clean       bool
	debug       bool
	logDir      string
}

func (c *cmdDaemon) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "cti_be_daemon"
	cmd.RunE = c.run

	flags := cmd.Flags()
	flags.StringVar(&c.wlm, "wlm", "", "WLM variant (slurm, alps, pals, flux, generic, localhost)")
	flags.StringVar(&c.jobID, "apid", "", "WLM job/apid identifier")
	flags.StringVar(&c.toolPath, "tool-path", "", "tool root directory on this node")
	flags.StringVar(&c.stageName, "stage-name", "", "stage directory name")
	flags.IntVar(&c.instance, "instance", 0, "manifest instance number")
	flags.StringVar(&c.manifestTar, "manifest", "", "path to the shipped manifest tar, if any")
	flags.StringVar(&c.binary, "binary", "", "basename of the staged binary to exec, if any")
	flags.StringSliceVar(&c.env, "env", nil, "KEY=VALUE environment overrides")
	flags.StringVar(&c.ldOverride, "ld-library-override", "", "LD_LIBRARY_PATH prefix override")
	flags.StringVar(&c.pmiAttribs, "pmi-attribs", "", "PMI attribs file path")
	flags.BoolVar(&c.clean, "clean", false, "remove the stage directory and exit")
	flags.BoolVar(&c.debug, "debug", false, "redirect stdout/stderr to a node-local log file")
	flags.StringVar(&c.logDir, "log-dir", "", "directory for --debug logs")

	return cmd
}

func (c *cmdDaemon) run(cmd *cobra.Command, args []string) error {
	wlm, err := app.ParseWLMKind(c.wlm)
	if err != nil {
		return err
	}

	binaryArgs := args
	if i := cmd.ArgsLenAtDash(); i >= 0 {
		binaryArgs = args[i:]
	}

	cfg := bedaemon.Config{
		WLM:               wlm,
		JobID:             c.jobID,
		ToolPath:          c.toolPath,
		StageName:         c.stageName,
		Instance:          c.instance,
		ManifestTar:       c.manifestTar,
		Binary:            c.binary,
		BinaryArgs:        binaryArgs,
		Env:               c.env,
		LDLibraryOverride: normalizeOverride(c.ldOverride),
		PMIAttribsPath:    c.pmiAttribs,
		Clean:             c.clean,
		Debug:             c.debug,
		LogDir:            c.logDir,
	}

	return bedaemon.Run(cfg)
}

func normalizeOverride(prefix string) string {
	if prefix == "" {
		return ""
	}

	if strings.HasSuffix(prefix, ":") {
		return prefix
	}

	return prefix + ":"
}

func main() {
	d := &cmdDaemon{}

	if err := d.command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
