package wlmbase

import (
	"strconv"

	"github.com/common-tools-interface/cti-sub004/cti/app"
)

// ArgvBuilder assembles a launcher's argv from typed fields instead of ad
// hoc fmt.Sprintf calls scattered through each variant (SPEC_FULL §12.1,
// modeled on the original's table-driven ArgvDefs.hpp).
type ArgvBuilder struct {
	launcher string
	flags    []string
	tail     []string
}

// NewArgvBuilder starts a builder for the named launcher binary.
func NewArgvBuilder(launcher string) *ArgvBuilder {
	return &ArgvBuilder{launcher: launcher}
}

// Flag appends a bare flag (e.g. "--mpi=none").
func (b *ArgvBuilder) Flag(flag string) *ArgvBuilder {
	b.flags = append(b.flags, flag)
	return b
}

// KV appends a "--key=value" flag.
func (b *ArgvBuilder) KV(key, value string) *ArgvBuilder {
	return b.Flag("--" + key + "=" + value)
}

// HetGroup appends SLURM's --het-group=<offset> when offset is non-nil.
func (b *ArgvBuilder) HetGroup(offset *int) *ArgvBuilder {
	if offset == nil {
		return b
	}

	return b.KV("het-group", strconv.Itoa(*offset))
}

// NodeList appends a comma-joined --nodelist=<hosts>.
func (b *ArgvBuilder) NodeList(hosts []string) *ArgvBuilder {
	if len(hosts) == 0 {
		return b
	}

	joined := hosts[0]
	for _, h := range hosts[1:] {
		joined += "," + h
	}

	return b.KV("nodelist", joined)
}

// NumPEs appends -n<count>.
func (b *ArgvBuilder) NumPEs(n int) *ArgvBuilder {
	if n <= 0 {
		return b
	}

	return b.Flag("-n" + strconv.Itoa(n))
}

// Tail appends the program + its own argv, always placed after flags.
func (b *ArgvBuilder) Tail(argv ...string) *ArgvBuilder {
	b.tail = append(b.tail, argv...)
	return b
}

// Build returns the launcher binary name followed by flags then tail.
func (b *ArgvBuilder) Build() []string {
	out := make([]string, 0, 1+len(b.flags)+len(b.tail))
	out = append(out, b.launcher)
	out = append(out, b.flags...)
	out = append(out, b.tail...)

	return out
}

// BEDaemonFlags renders a full app.BEDaemonArgs plus the toolPath/apid the
// WLM variant already has in hand into the flag set cmd/cti_be_daemon
// expects (spec §6/§4.9), one shared place instead of six variants each
// reconstructing a partial subset. wlmName is the literal --wlm value for
// this variant (e.g. "slurm", "alps"). apid may be empty.
func BEDaemonFlags(wlmName, toolPath, apid string, args app.BEDaemonArgs) []string {
	flags := []string{"--wlm", wlmName, "--tool-path", toolPath, "--stage-name", args.StageName,
		"--instance", strconv.Itoa(args.Instance)}

	if apid != "" {
		flags = append(flags, "--apid", apid)
	}

	if args.ManifestTarBase != "" {
		flags = append(flags, "--manifest", args.ManifestTarBase)
	}

	if args.Binary != "" {
		flags = append(flags, "--binary", args.Binary)
	}

	if args.LDLibraryPath != "" {
		flags = append(flags, "--ld-library-override", args.LDLibraryPath)
	}

	if args.PMIAttribsPath != "" {
		flags = append(flags, "--pmi-attribs", args.PMIAttribsPath)
	}

	if args.Clean {
		flags = append(flags, "--clean")
	}

	if args.Debug {
		flags = append(flags, "--debug")
	}

	for _, e := range args.Env {
		flags = append(flags, "--env", e)
	}

	if len(args.BinaryArgs) > 0 {
		flags = append(flags, "--")
		flags = append(flags, args.BinaryArgs...)
	}

	return flags
}

// BEDaemonArgv prepends beDaemonPath to BEDaemonFlags, for variants that
// exec cti_be_daemon as argv[0] directly rather than passing its path and
// flags separately (e.g. a REST body's {path, argv} split).
func BEDaemonArgv(beDaemonPath, wlmName, toolPath, apid string, args app.BEDaemonArgs) []string {
	return append([]string{beDaemonPath}, BEDaemonFlags(wlmName, toolPath, apid, args)...)
}
