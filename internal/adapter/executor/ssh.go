package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"vmrelay/internal/domain"
)

const sshSubsystem = "ssh"

// remoteCommand reads the script from stdin, so scripts need no quoting.
const remoteCommand = "/bin/sh -s"

// SSHConfig configures the SSH executor.
type SSHConfig struct {
	User           string        // default login user when the target has none
	Port           int           // default port when the target has none (default: 22)
	PrivateKey     []byte        // PEM private key; takes precedence over PrivateKeyPath
	PrivateKeyPath string        // path to a PEM private key
	Passphrase     string        // optional private key passphrase
	KnownHostsPath string        // known_hosts file used to verify host keys
	Insecure       bool          // skip host key verification; development only
	DialTimeout    time.Duration // TCP connect + handshake timeout (default: 10s)
	Breaker        BreakerConfig
}

// SSH runs scripts on VMs over golang.org/x/crypto/ssh. Each run opens its
// own connection; dials go through a per-host circuit breaker.
type SSH struct {
	user        string
	port        int
	auth        []ssh.AuthMethod
	hostKey     ssh.HostKeyCallback
	dialTimeout time.Duration
	breakers    *hostBreakers
	logger      *slog.Logger
}

// NewSSH builds an SSH executor, loading the key and known_hosts up front.
func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("ssh executor: a private key is required")
		}
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh executor: read private key: %w", err)
		}
		key = data
	}

	var signer ssh.Signer
	var err error
	if cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("ssh executor: parse private key: %w", err)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		hostKey, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("ssh executor: load known_hosts: %w", err)
		}
	case cfg.Insecure:
		logger.Warn("ssh host key verification disabled")
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("ssh executor: known_hosts path required unless insecure mode is enabled")
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	return &SSH{
		user:        cfg.User,
		port:        port,
		auth:        []ssh.AuthMethod{ssh.PublicKeys(signer)},
		hostKey:     hostKey,
		dialTimeout: dialTimeout,
		breakers:    newHostBreakers(cfg.Breaker, logger),
		logger:      logger,
	}, nil
}

// Run implements domain.RemoteExecutor. Cancelling ctx sends SIGKILL to the
// remote process and closes the connection.
func (s *SSH) Run(ctx context.Context, target domain.VMTarget, script string, stdout, stderr io.Writer) (int, error) {
	client, err := s.dial(ctx, target)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return 0, domain.NewSubSystemError(sshSubsystem, "SSH.Run", domain.ErrExecutorFailure,
			fmt.Sprintf("open session on %s: %v", target.ID, err))
	}
	defer sess.Close()

	sess.Stdin = strings.NewReader(script)
	sess.Stdout = stdout
	sess.Stderr = stderr

	if err := sess.Start(remoteCommand); err != nil {
		return 0, domain.NewSubSystemError(sshSubsystem, "SSH.Run", domain.ErrExecutorFailure,
			fmt.Sprintf("start on %s: %v", target.ID, err))
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- sess.Wait() }()

	select {
	case err := <-waitCh:
		return exitStatus(err)
	case <-ctx.Done():
		if sigErr := sess.Signal(ssh.SIGKILL); sigErr != nil {
			s.logger.Debug("ssh signal failed", "vm_id", target.ID, "error", sigErr)
		}
		sess.Close()
		client.Close()
		<-waitCh
		return 0, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return 0, domain.NewSubSystemError(sshSubsystem, "SSH.Run", domain.ErrExecutorFailure, "remote exited without status")
	}
	return 0, domain.NewSubSystemError(sshSubsystem, "SSH.Run", domain.ErrExecutorFailure, err.Error())
}

func (s *SSH) address(target domain.VMTarget) string {
	port := target.Port
	if port == 0 {
		port = s.port
	}
	return net.JoinHostPort(target.Host, strconv.Itoa(port))
}

func (s *SSH) dial(ctx context.Context, target domain.VMTarget) (*ssh.Client, error) {
	addr := s.address(target)
	user := target.User
	if user == "" {
		user = s.user
	}

	client, err := s.breakers.get(addr).Execute(func() (*ssh.Client, error) {
		c, err := s.connect(ctx, addr, user)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errDialAbandoned, ctx.Err())
		}
		return c, err
	})
	if err != nil {
		if isOpenCircuit(err) {
			return nil, domain.NewSubSystemError(sshSubsystem, "SSH.dial", domain.ErrExecutorFailure,
				fmt.Sprintf("host %s circuit open: %v", addr, err))
		}
		return nil, domain.NewSubSystemError(sshSubsystem, "SSH.dial", domain.ErrExecutorFailure,
			fmt.Sprintf("dial %s: %v", addr, err))
	}
	return client, nil
}

func (s *SSH) connect(ctx context.Context, addr, user string) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Cancellation during the handshake unblocks it through the deadline.
	stop := context.AfterFunc(dialCtx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            s.auth,
		HostKeyCallback: s.hostKey,
		Timeout:         s.dialTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// BreakerState reports the dial breaker state for a target.
func (s *SSH) BreakerState(target domain.VMTarget) gobreaker.State {
	return s.breakers.state(s.address(target))
}

var _ domain.RemoteExecutor = (*SSH)(nil)
