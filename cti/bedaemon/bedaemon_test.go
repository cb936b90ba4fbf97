package bedaemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/app"
)

func TestBuildEnvSetsToolVars(t *testing.T) {
	cfg := Config{
		WLM:       app.WLMSlurm,
		JobID:     "12345.0",
		ToolPath:  "/var/opt/tool",
		StageName: "abcd1234abcd1234",
	}

	env := buildEnv(cfg, "nid00042")

	require.Contains(t, env, "APID=12345.0")
	require.Contains(t, env, "WLM=slurm")
	require.Contains(t, env, "ROOT_DIR=/var/opt/tool/abcd1234abcd1234")
	require.Contains(t, env, "SCRATCH=/var/opt/tool/abcd1234abcd1234/tmp")
	require.Contains(t, env, "CTI_NODE_ID=nid00042")
}

func TestWLMInitEnvAddsShellForALPS(t *testing.T) {
	require.Equal(t, []string{"LC_ALL=POSIX"}, wlmInitEnv(app.WLMSlurm))
	require.Equal(t, []string{"LC_ALL=POSIX", "SHELL=/bin/sh"}, wlmInitEnv(app.WLMALPS))
}

func TestPrependPathHandlesEmptyExisting(t *testing.T) {
	require.Equal(t, "/a/bin", prependPath("", "/a/bin"))
	require.Equal(t, "/a/bin:/usr/bin", prependPath("/usr/bin", "/a/bin"))
}

func TestCleanStageRemovesStageDir(t *testing.T) {
	dir := t.TempDir()
	toolPath := filepath.Join(dir, "tool")
	require.NoError(t, os.MkdirAll(toolPath, 0o755))

	cfg := Config{ToolPath: toolPath, StageName: "stage1"}
	require.NoError(t, cleanStage(cfg)) // no-op when stage doesn't exist yet

	require.NoError(t, os.MkdirAll(cfg.stagePath(), 0o755))
	require.NoError(t, cleanStage(cfg))

	_, err := os.Stat(cfg.stagePath())
	require.True(t, os.IsNotExist(err))
}

func TestNormalizeHostnameTruncatesAtFirstDot(t *testing.T) {
	require.Equal(t, "nid001", normalizeHostname("nid001.cluster.example"))
	require.Equal(t, "nid001", normalizeHostname("nid001"))
}

func TestCreateLockFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock_stage_1")

	require.NoError(t, createLockFile(path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}
