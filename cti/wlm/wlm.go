package wlm

import (
	"os"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/config"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/sshsession"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/alps"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/flux"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/localhost"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/pals"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/slurm"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/ssh"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// New constructs the Frontend for cfg.WLMImpl (CTI_WLM_IMPL), falling
// back to Detect() when unset (spec §4.5: "selected ... by explicit env
// override else by a probe").
func New(cfg *config.Config, c *client.Client, log *logger.Logger) (app.Frontend, error) {
	kind := app.WLMLocalhost

	if cfg.WLMImpl != "" {
		k, err := app.ParseWLMKind(cfg.WLMImpl)
		if err != nil {
			return nil, err
		}

		kind = k
	} else {
		kind = Detect()
	}

	switch kind {
	case app.WLMSlurm:
		return slurm.New(c, log, cfg.LauncherName), nil
	case app.WLMALPS:
		return alps.New(c, log, cfg.LauncherName), nil
	case app.WLMPALS:
		return pals.New(c, log, cfg.LauncherName, os.Getenv("PALS_API_URL")), nil
	case app.WLMFlux:
		return flux.New(c, log, cfg.LauncherName), nil
	case app.WLMSSH:
		return ssh.New(c, log, sshsession.Config{
			Host:           os.Getenv("CTI_SSH_HOST"),
			User:           os.Getenv("USER"),
			KnownHostsPath: cfg.SSHKnownHostsPath,
			PrivateKeyDir:  cfg.SSHDir,
			Passphrase:     cfg.SSHPassphrase,
		})
	case app.WLMLocalhost:
		return localhost.New(c, log), nil
	default:
		return nil, ctierr.New(ctierr.WLMUnsupported, "unresolved WLM kind %v", kind)
	}
}
