package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/config"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("CTI_CFG_DIR")
	os.Unsetenv("TMPDIR")
	os.Unsetenv("CTI_DEBUG")

	c := config.Load()
	require.Equal(t, "/tmp", c.ScratchDir)
	require.False(t, c.Debug)
}

func TestLoadCfgDirOverride(t *testing.T) {
	os.Setenv("CTI_CFG_DIR", "/custom/scratch")
	defer os.Unsetenv("CTI_CFG_DIR")

	c := config.Load()
	require.Equal(t, "/custom/scratch", c.ScratchDir)
}

func TestBEDaemonPathDefaultsToPath(t *testing.T) {
	c := &config.Config{}
	require.Equal(t, "cti_be_daemon", c.BEDaemonPath())
}

func TestBEDaemonPathUnderInstallDir(t *testing.T) {
	c := &config.Config{InstallDir: "/opt/cti"}
	require.Equal(t, "/opt/cti/libexec/cti_be_daemon", c.BEDaemonPath())
}
