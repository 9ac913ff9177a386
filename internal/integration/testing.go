// Package integration holds end-to-end tests that need a real SSH host.
// They are compiled only with the "integration" build tag.
package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"vmrelay/internal/domain"
)

// Config holds integration test configuration from environment
type Config struct {
	SSHHost        string
	SSHPort        int
	SSHUser        string
	PrivateKeyPath string
	KnownHostsPath string
	TestTimeout    time.Duration
	SkipSlow       bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	port, _ := strconv.Atoi(os.Getenv("VMRELAY_IT_SSH_PORT"))
	return &Config{
		SSHHost:        os.Getenv("VMRELAY_IT_SSH_HOST"),
		SSHPort:        port,
		SSHUser:        os.Getenv("VMRELAY_IT_SSH_USER"),
		PrivateKeyPath: os.Getenv("VMRELAY_IT_SSH_KEY"),
		KnownHostsPath: os.Getenv("VMRELAY_IT_KNOWN_HOSTS"),
		TestTimeout:    60 * time.Second,
		SkipSlow:       os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// Target returns the VM the tests run scripts on.
func (c *Config) Target() domain.VMTarget {
	return domain.VMTarget{ID: "it-vm", Host: c.SSHHost, Port: c.SSHPort, User: c.SSHUser}
}

// SkipIfNoHost skips the test unless an SSH host and key are configured
func SkipIfNoHost(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.SSHHost == "" || cfg.PrivateKeyPath == "" {
		t.Skip("Skipping SSH integration test: VMRELAY_IT_SSH_HOST or VMRELAY_IT_SSH_KEY not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewTestLogger returns a logger that discards output unless -v is set.
func NewTestLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
