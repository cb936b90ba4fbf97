package sshsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestBuildShellCommandWrapsWithNohup(t *testing.T) {
	cmd := buildShellCommand([]string{"/bin/tool", "--flag"}, []string{"A=1"})
	require.Contains(t, cmd, "nohup env")
	require.Contains(t, cmd, "'A=1'")
	require.Contains(t, cmd, "'/bin/tool'")
	require.Contains(t, cmd, "&")
}
