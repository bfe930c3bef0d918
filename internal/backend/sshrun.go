package backend

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// commandRunner abstracts remote command execution so adapter logic can be
// tested without a live SSH server. stdin is fed to the remote command;
// payloads carrying credential values go through it rather than through
// the command line, where shell quoting would apply to them.
type commandRunner interface {
	Run(ctx context.Context, command, stdin string) (string, error)
}

// sshRunner executes commands over a password-authenticated SSH session.
// Each Run dials a fresh connection; the fleet's servers are administered
// boxes with no persistent session expectation.
type sshRunner struct {
	addr           string
	user           string
	password       string
	connectTimeout time.Duration
	commandTimeout time.Duration
}

func newSSHRunner(addr string, opts Options, password string) *sshRunner {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return &sshRunner{
		addr:           addr,
		user:           opts.SSHUser,
		password:       password,
		connectTimeout: opts.SSHConnectTimeout,
		commandTimeout: opts.SSHCommandTimeout,
	}
}

func (r *sshRunner) Run(ctx context.Context, command, stdin string) (string, error) {
	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.Password(r.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.connectTimeout,
	}

	client, err := ssh.Dial("tcp", r.addr, cfg)
	if err != nil {
		return "", fmt.Errorf("backend: ssh dial %s: %v: %w", r.addr, err, ErrTransportUnavailable)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("backend: ssh session %s: %v: %w", r.addr, err, ErrTransportUnavailable)
	}
	defer session.Close()

	runCtx := ctx
	if r.commandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.commandTimeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-runCtx.Done():
		// Closing the session tears down the remote command.
		_ = session.Close()
		return "", fmt.Errorf("backend: ssh %s: command timed out: %w", r.addr, ErrRemoteOperation)
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("backend: ssh %s: command failed: %v: %w", r.addr, err, ErrRemoteOperation)
		}
	}

	return stdout.String(), nil
}
