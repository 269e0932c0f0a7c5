package sshrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/crystian/incant/pkg/recon"
)

// Runner executes incus invocations over an SSH connection. Sessions
// are multiplexed over one connection, so concurrent invocations do not
// need a pool.
type Runner struct {
	config *Config

	// Binary is the incus executable path on the remote host. Empty
	// means "incus" on PATH.
	Binary string

	mu        sync.RWMutex
	client    *ssh.Client
	connected bool

	log zerolog.Logger
}

// NewRunner creates a runner for the host described by config. Connect
// establishes the connection.
func NewRunner(config *Config, logger zerolog.Logger) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Runner{
		config: config,
		Binary: "incus",
		log: logger.With().
			Str("component", "ssh-runner").
			Str("host", config.Host).
			Logger(),
	}, nil
}

// Connect establishes the SSH connection, through the jump host when
// one is configured. Calling Connect on a live connection is a no-op.
func (r *Runner) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected && r.client != nil {
		if r.probe() == nil {
			return nil
		}
		r.log.Warn().Msg("connection is dead, reconnecting")
		_ = r.client.Close()
		r.connected = false
	}

	clientConfig, err := r.config.clientConfig()
	if err != nil {
		return recon.NewError(recon.KindBackendFailure, "building ssh config", err)
	}

	var client *ssh.Client
	if r.config.JumpHost != "" {
		client, err = r.dialViaJump(clientConfig)
	} else {
		client, err = r.dial(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	r.client = client
	r.connected = true
	if r.config.KeepAliveInterval > 0 {
		go r.keepAlive()
	}
	r.log.Info().Str("address", r.config.Address()).Msg("ssh connection established")
	return nil
}

func (r *Runner) dial(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", r.config.Address(), clientConfig)
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, recon.NewError(recon.KindBackendTimeout, "ssh connect timed out", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, recon.NewError(recon.KindBackendFailure, "ssh connect failed", res.err)
		}
		return res.client, nil
	}
}

func (r *Runner) dialViaJump(targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	jumpConfig, err := r.config.jumpClientConfig()
	if err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "building jump host config", err)
	}

	r.log.Debug().Str("jump", r.config.JumpAddress()).Msg("connecting via jump host")
	jump, err := ssh.Dial("tcp", r.config.JumpAddress(), jumpConfig)
	if err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "connecting to jump host", err)
	}

	conn, err := jump.Dial("tcp", r.config.Address())
	if err != nil {
		_ = jump.Close()
		return nil, recon.NewError(recon.KindBackendFailure, "dialing target through jump host", err)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, r.config.Address(), targetConfig)
	if err != nil {
		_ = conn.Close()
		_ = jump.Close()
		return nil, recon.NewError(recon.KindBackendFailure, "ssh handshake through jump host", err)
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Close tears the connection down.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.connected = false
	return err
}

// HealthCheck verifies the connection still answers.
func (r *Runner) HealthCheck(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected || r.client == nil {
		return recon.NewError(recon.KindBackendFailure, "not connected", nil)
	}
	if err := r.probe(); err != nil {
		return recon.NewError(recon.KindBackendFailure, "ssh health check failed", err)
	}
	return nil
}

// probe runs a trivial command on a fresh session. Caller holds a lock.
func (r *Runner) probe() error {
	session, err := r.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

func (r *Runner) keepAlive() {
	ticker := time.NewTicker(r.config.KeepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.RLock()
		client, connected := r.client, r.connected
		r.mu.RUnlock()
		if !connected || client == nil {
			return
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			r.log.Warn().Err(err).Msg("keep-alive failed")
			return
		}
	}
}

// session returns a fresh session on the live connection.
func (r *Runner) session() (*ssh.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected || r.client == nil {
		return nil, recon.NewError(recon.KindBackendFailure, "not connected", nil)
	}
	return r.client.NewSession()
}

// Run executes one incus invocation on the remote host. Arguments are
// shell-quoted, stdin is streamed to the remote process, and a non-zero
// exit comes back as the exit code with a nil error, matching the local
// runner.
func (r *Runner) Run(ctx context.Context, args []string, stdin []byte) (string, string, int, error) {
	if r.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.CommandTimeout)
		defer cancel()
	}

	session, err := r.session()
	if err != nil {
		if _, ok := err.(*recon.Error); ok {
			return "", "", 0, err
		}
		return "", "", 0, recon.NewError(recon.KindBackendFailure, "creating ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	cmdline := commandLine(r.Binary, args)
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdline)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	code := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitStatus()
			runErr = nil
		}
	}

	r.log.Debug().
		Strs("args", args).
		Int("exit_code", code).
		Dur("duration", time.Since(start)).
		Msg("remote incus invocation finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), stderr.String(), code,
			recon.NewError(recon.KindBackendTimeout, "remote incus invocation timed out", ctxErr).
				WithOperation(strings.Join(args, " "))
	}
	if runErr != nil {
		return stdout.String(), stderr.String(), code,
			recon.NewError(recon.KindBackendFailure, "remote incus invocation failed", runErr).
				WithOperation(strings.Join(args, " "))
	}
	return stdout.String(), stderr.String(), code, nil
}

// commandLine renders the binary and arguments as a single shell
// command for session.Run.
func commandLine(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(binary))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes, escaping embedded ones. Plain
// words pass through untouched.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\!*?[]{}()<>|&;~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
