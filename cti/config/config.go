// Package config centralizes the environment variables consumed by the
// CTI frontend core (spec §6) into a single loaded struct.
package config

import (
	"os"
	"path/filepath"
)

// Config holds every environment-derived setting the rest of the module
// needs, resolved once at Frontend construction (spec: "EnvMisconfigured
// — fatal at Frontend construction").
type Config struct {
	// InstallDir is CTI_INSTALL_DIR: root of the library install, used to
	// locate the BE daemon binary, the audit .so, and the stop shim.
	InstallDir string
	// LogDir is CTI_LOG_DIR: where BE daemons write --debug logs.
	LogDir string
	// Debug is CTI_DEBUG: enables BE-daemon log redirection and frontend
	// trace prints.
	Debug bool
	// ScratchDir is CTI_CFG_DIR: local tar staging scratch, defaulting to
	// $TMPDIR, then /tmp, then $HOME.
	ScratchDir string
	// LauncherName is CTI_LAUNCHER_NAME: overrides the WLM-default launcher
	// binary name.
	LauncherName string
	// WLMImpl is CTI_WLM_IMPL: forces the WLM variant.
	WLMImpl string
	// BaseDir is CTI_BASE_DIR: optional relocation root.
	BaseDir string
	// AuditLib is CRAY_LD_VAL_LIBRARY: path to the LD_AUDIT shim used for
	// library-dependency discovery (§4.7).
	AuditLib string

	// SSH transport tuning (§4.10).
	SSHDir            string
	SSHKnownHostsPath string
	SSHPubKeyPath     string
	SSHPriKeyPath     string
	SSHPassphrase     string
}

// Load reads the process environment into a Config, applying the
// documented defaults.
func Load() *Config {
	c := &Config{
		InstallDir:        os.Getenv("CTI_INSTALL_DIR"),
		LogDir:            os.Getenv("CTI_LOG_DIR"),
		Debug:             os.Getenv("CTI_DEBUG") != "",
		ScratchDir:        scratchDir(),
		LauncherName:      os.Getenv("CTI_LAUNCHER_NAME"),
		WLMImpl:           os.Getenv("CTI_WLM_IMPL"),
		BaseDir:           os.Getenv("CTI_BASE_DIR"),
		AuditLib:          os.Getenv("CRAY_LD_VAL_LIBRARY"),
		SSHDir:            os.Getenv("SSH_DIR"),
		SSHKnownHostsPath: os.Getenv("SSH_KNOWNHOSTS_PATH"),
		SSHPubKeyPath:     os.Getenv("SSH_PUBKEY_PATH"),
		SSHPriKeyPath:     os.Getenv("SSH_PRIKEY_PATH"),
		SSHPassphrase:     os.Getenv("SSH_PASSPHRASE"),
	}

	if c.SSHDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.SSHDir = filepath.Join(home, ".ssh")
		}
	}

	return c
}

// scratchDir implements CTI_CFG_DIR's documented fallback chain:
// $CTI_CFG_DIR, else $TMPDIR, else /tmp, else $HOME.
func scratchDir() string {
	if v := os.Getenv("CTI_CFG_DIR"); v != "" {
		return v
	}

	if v := os.Getenv("TMPDIR"); v != "" {
		return v
	}

	if fi, err := os.Stat("/tmp"); err == nil && fi.IsDir() {
		return "/tmp"
	}

	return os.Getenv("HOME")
}

// BEDaemonPath returns the resolved path to the cti_be_daemon binary,
// preferring an explicit BaseDir/InstallDir relocation.
func (c *Config) BEDaemonPath() string {
	root := c.InstallDir
	if c.BaseDir != "" {
		root = c.BaseDir
	}

	if root == "" {
		return "cti_be_daemon"
	}

	return filepath.Join(root, "libexec", "cti_be_daemon")
}

// FEDaemonPath returns the resolved path to the cti_fe_daemon binary.
func (c *Config) FEDaemonPath() string {
	root := c.InstallDir
	if c.BaseDir != "" {
		root = c.BaseDir
	}

	if root == "" {
		return "cti_fe_daemon"
	}

	return filepath.Join(root, "libexec", "cti_fe_daemon")
}
