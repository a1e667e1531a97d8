// Package ssh issues power directives to remote machines over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Default bounds for a remote command.
const (
	DefaultPort           = 22
	DefaultDialTimeout    = 10 * time.Second
	DefaultCommandTimeout = 15 * time.Second
)

// Service defines the interface for remote power commands.
type Service interface {
	Execute(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	Run(cmd string, stdout, stderr io.Writer) error
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) Run(cmd string, stdout, stderr io.Writer) error {
	s.session.Stdout = stdout
	s.session.Stderr = stderr
	return s.session.Run(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory  ClientFactory
	logger         zerolog.Logger
	dialTimeout    time.Duration
	commandTimeout time.Duration
}

// New creates a new SSH service.
func New(logger zerolog.Logger, settings models.SSHSettings) *Impl {
	return NewWithClientFactory(logger, &DefaultClientFactory{}, settings)
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory, settings models.SSHSettings) *Impl {
	s := &Impl{
		clientFactory:  factory,
		logger:         logger,
		dialTimeout:    settings.DialTimeout,
		commandTimeout: settings.CommandTimeout,
	}
	if s.dialTimeout <= 0 {
		s.dialTimeout = DefaultDialTimeout
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = DefaultCommandTimeout
	}
	return s
}

// Directive returns the forced, immediate shutdown or restart command for an OS.
func Directive(osName string, cmd models.PowerCommand) (string, error) {
	if osName == "" {
		osName = models.OSLinux
	}

	switch {
	case osName == models.OSLinux && cmd == models.PowerCommandShutdown:
		return "sudo shutdown -h now", nil
	case osName == models.OSLinux && cmd == models.PowerCommandRestart:
		return "sudo shutdown -r now", nil
	case osName == models.OSWindows && cmd == models.PowerCommandShutdown:
		return "shutdown /s /f /t 0", nil
	case osName == models.OSWindows && cmd == models.PowerCommandRestart:
		return "shutdown /r /f /t 0", nil
	default:
		return "", fmt.Errorf("unsupported command %q for os %q", cmd, osName)
	}
}

func (s *Impl) buildConfig(cred models.Credential) (*ssh.ClientConfig, error) {
	if cred.Username == "" || (cred.Password == "" && len(cred.PrivateKey) == 0) {
		return nil, models.ErrMissingCredential
	}

	var auth []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key: %w", models.ErrAuthenticationFailed, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		password := cred.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // fleet hosts are addressed by IP from the registry
		Timeout:         s.dialTimeout,
	}, nil
}

type dialResult struct {
	client SSHClient
	err    error
}

// Execute opens a session to the target and submits the power directive.
// Success requires a clean session, a clean exit and no stderr output.
func (s *Impl) Execute(ctx context.Context, rc models.RemoteCommand) *models.CommandResult {
	result := &models.CommandResult{}

	port := rc.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(rc.Host, strconv.Itoa(port))

	command, err := Directive(rc.OS, rc.Command)
	if err != nil {
		result.Error = fmt.Errorf("%w: %w", models.ErrExecutionRejected, err)
		return result
	}
	result.Command = command

	s.logger.Info().
		Str("addr", addr).
		Str("user", rc.Credential.Username).
		Str("command", string(rc.Command)).
		Msg("initiating remote power command")

	sshConfig, err := s.buildConfig(rc.Credential)
	if err != nil {
		result.Error = err
		return result
	}

	client, err := s.dial(ctx, addr, sshConfig)
	if err != nil {
		result.Error = err
		return result
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("%w: failed to create session: %w", models.ErrUnreachable, err)
		return result
	}
	defer func() { _ = session.Close() }()
	result.SessionEstablished = true

	s.logger.Debug().Str("command", command).Msg("executing power command")

	run := s.run(ctx, client, session, command)
	runErr := run.err
	result.CommandRun = true
	result.Stdout = run.stdout
	result.Stderr = strings.TrimSpace(run.stderr)
	result.Error = classifyRun(runErr, result.Stderr)

	if result.Error != nil {
		s.logger.Warn().
			Err(result.Error).
			Str("addr", addr).
			Msg("power command rejected")
		return result
	}

	var exitMissing *ssh.ExitMissingError
	if errors.As(runErr, &exitMissing) {
		s.logger.Debug().Str("addr", addr).Msg("connection dropped before exit status, target is going down")
	}

	s.logger.Info().
		Str("addr", addr).
		Str("command", string(rc.Command)).
		Msg("power command accepted")

	return result
}

func (s *Impl) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	clientChan := make(chan dialResult, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, config)
		clientChan <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", models.ErrUnreachable, ctx.Err())
	case res := <-clientChan:
		if res.err != nil {
			return nil, classifyDial(res.err)
		}
		return res.client, nil
	}
}

type runResult struct {
	stdout string
	stderr string
	err    error
}

func (s *Impl) run(ctx context.Context, client SSHClient, session SSHSession, command string) runResult {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		err := session.Run(command, &stdout, &stderr)
		done <- runResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		// Closing the connection unblocks Run.
		_ = client.Close()
		return runResult{err: fmt.Errorf("%w: %w", models.ErrTimeout, ctx.Err())}
	}
}

func classifyDial(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %w", models.ErrAuthenticationFailed, err)
	}
	return fmt.Errorf("%w: %w", models.ErrUnreachable, err)
}

// classifyRun maps the outcome of Run to nil or ErrExecutionRejected.
// Remote tooling often reports permission problems on stderr with exit 0,
// so any stderr output rejects the command.
func classifyRun(err error, stderr string) error {
	if stderr != "" {
		if err != nil {
			return fmt.Errorf("%w: %s: %w", models.ErrExecutionRejected, stderr, err)
		}
		return fmt.Errorf("%w: %s", models.ErrExecutionRejected, stderr)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrTimeout) {
		return err
	}

	var exitMissing *ssh.ExitMissingError
	if errors.As(err, &exitMissing) {
		return nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: exit status %d", models.ErrExecutionRejected, exitErr.ExitStatus())
	}

	return fmt.Errorf("%w: %w", models.ErrExecutionRejected, err)
}
