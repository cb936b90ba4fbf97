// Package sshsession implements the SSH transport the original built on
// libssh2 (spec §4.10): connect + host-key verification + agent/keyfile
// auth, remote command execution, and SCP-equivalent file transfer, used
// by the generic-SSH WLM variant and by eproxy-style remote SLURM access.
package sshsession

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

// Config carries the knobs spec §6 exposes for SSH auth.
type Config struct {
	Host              string
	Port              int
	User              string
	KnownHostsPath    string
	PrivateKeyDir     string
	PrivateKeyNames   []string // tried in order, e.g. {"id_rsa", "id_dsa"}
	Passphrase        string
	ConnectTimeout    time.Duration
}

// Session is one authenticated connection to a remote host.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	host   string
}

// Dial connects, verifies the host key against known_hosts (creating an
// empty file if none exists; a host not listed there is rejected and its
// fingerprint is not appended), and authenticates first via ssh-agent
// then via keyfile pairs in cfg.PrivateKeyDir.
func Dial(cfg Config) (*Session, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.SSHTransportFailed, err, "loading known_hosts %s", cfg.KnownHostsPath)
	}

	auths, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.SSHAuthFailed, err, "building auth methods for %s", cfg.Host)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.SSHTransportFailed, err, "dialing %s", addr)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, ctierr.Wrap(ctierr.SSHTransportFailed, err, "opening sftp subsystem to %s", addr)
	}

	return &Session{client: client, sftp: sftpClient, host: cfg.Host}, nil
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if f, createErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600); createErr == nil {
			f.Close()
		}
	}

	return knownhosts.New(path)
}

func buildAuthMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	names := cfg.PrivateKeyNames
	if len(names) == 0 {
		names = []string{"id_rsa", "id_dsa"}
	}

	dir := cfg.PrivateKeyDir
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".ssh")
	}

	var signers []ssh.Signer

	for _, name := range names {
		keyPath := filepath.Join(dir, name)

		data, err := os.ReadFile(keyPath)
		if err != nil {
			continue
		}

		var signer ssh.Signer
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(data)
		}

		if err != nil {
			continue
		}

		signers = append(signers, signer)
	}

	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, ctierr.New(ctierr.SSHAuthFailed, "no usable auth method (no agent, no readable key in %s)", dir)
	}

	return methods, nil
}

// Close tears down the sftp subsystem and the underlying connection.
func (s *Session) Close() error {
	_ = s.sftp.Close()
	return s.client.Close()
}

// ExecuteRemoteCommand wraps argv+env into a single shell string prefixed
// with nohup (spec §4.10) and runs it over a fresh channel. A synchronous
// call runs it in the foreground, waits for completion and returns its
// combined output; otherwise the command is backgrounded with its output
// sent to /dev/null and the call returns once it has started.
func (s *Session) ExecuteRemoteCommand(argv, env []string, synchronous bool) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", ctierr.Wrap(ctierr.SSHTransportFailed, err, "opening exec session to %s", s.host)
	}

	cmdline := buildShellCommand(argv, env)

	if !synchronous {
		defer session.Close()

		if err := session.Start(cmdline); err != nil {
			return "", ctierr.Wrap(ctierr.SpawnFailed, err, "starting remote command on %s", s.host)
		}

		return "", nil
	}

	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	// Run in the foreground so the output and exit status come back.
	if err := session.Run(strings.TrimSuffix(cmdline, backgroundSuffix)); err != nil {
		return out.String(), ctierr.Wrap(ctierr.SpawnFailed, err, "remote command failed on %s", s.host)
	}

	return out.String(), nil
}

// backgroundSuffix detaches the remote command from the channel.
const backgroundSuffix = " >/dev/null 2>&1 </dev/null &"

func buildShellCommand(argv, env []string) string {
	var b strings.Builder

	b.WriteString("nohup env")

	for _, kv := range env {
		b.WriteByte(' ')
		b.WriteString(shellQuote(kv))
	}

	for _, arg := range argv {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}

	b.WriteString(backgroundSuffix)

	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SendRemoteFile copies local to <dst> on the remote host with the given
// mode (spec §4.10 sendRemoteFile, libssh2_scp_send equivalent via SFTP).
func (s *Session) SendRemoteFile(local, dst string, mode os.FileMode) error {
	src, err := os.Open(local)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "opening local file %s", local)
	}
	defer src.Close()

	remote, err := s.sftp.Create(dst)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "creating remote file %s on %s", dst, s.host)
	}
	defer remote.Close()

	if _, err := remote.ReadFrom(src); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "copying %s to %s:%s", local, s.host, dst)
	}

	return s.sftp.Chmod(dst, mode)
}

// Host returns the remote hostname this Session is connected to.
func (s *Session) Host() string { return s.host }
