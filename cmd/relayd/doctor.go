package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	"vmrelay/internal/adapter/executor"
	"vmrelay/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function. cfg is nil when loading failed.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

// probeTimeout bounds every network check.
const probeTimeout = 3 * time.Second

// runDoctor executes all health checks and writes a report to w.
func runDoctor(ctx context.Context, w io.Writer, cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Auth tokens", Fn: checkAuthTokens},
		{Name: "Listen address", Fn: checkListenAddr},
		{Name: "Local shell", Fn: checkShell},
		{Name: "SSH key", Fn: checkSSHKey},
		{Name: "SSH known_hosts", Fn: checkKnownHosts},
		{Name: "Inventory", Fn: checkInventory},
		{Name: "Tracing", Fn: checkTracer},
	}

	fmt.Fprintln(w, "relayd doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func skipped() CheckResult {
	return CheckResult{Status: StatusWarn, Message: "skipped: config did not load"}
}

// checkConfigFile reports whether the config loaded. A missing file is only
// a warning because the defaults are usable.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			var ve *config.ValidationError
			if errors.As(cfgErr, &ve) {
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("%d validation error(s): %s", len(ve.Errors), strings.Join(ve.Errors, "; ")),
					Fix:     "Correct the listed fields in " + cfgPath,
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check YAML syntax and file permissions (0600 or 0644)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found; using defaults", cfgPath),
				Fix:     "Create a config file or pass --config",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkAuthTokens(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}
	n := len(cfg.Server.Auth.Tokens)
	if n == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no tokens configured; every client will be rejected",
			Fix:     "Add server.auth.tokens or set VMRELAY_AUTH_TOKEN",
		}
	}
	for _, t := range cfg.Server.Auth.Tokens {
		if strings.HasPrefix(t.Token, "enc:") {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("token %q is still encrypted", t.Name),
				Fix:     "Set VMRELAY_CONFIG_KEY to the passphrase used with 'relayd encrypt'",
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d token(s) configured", n)}
}

func checkListenAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Server.Addr, err),
			Fix:     "Stop the process holding the port or change server.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.Server.Addr)}
}

func checkShell(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}
	path, err := exec.LookPath(cfg.Executor.Shell)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("shell %q not found", cfg.Executor.Shell),
			Fix:     "Set executor.shell to an installed POSIX shell",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

func checkSSHKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}
	s := cfg.Executor.SSH
	if !s.Enabled {
		return CheckResult{Status: StatusPass, Message: "ssh disabled; only local VMs are reachable"}
	}
	data, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("read %s: %v", s.PrivateKeyPath, err),
			Fix:     "Point executor.ssh.private_key_path at a readable key",
		}
	}
	if s.Passphrase != "" {
		_, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(s.Passphrase))
	} else {
		_, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return CheckResult{
				Status:  StatusFail,
				Message: "key is passphrase protected",
				Fix:     "Set executor.ssh.passphrase (optionally encrypted with 'relayd encrypt')",
			}
		}
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("parse key: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: "key parsed from " + s.PrivateKeyPath}
}

func checkKnownHosts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}
	s := cfg.Executor.SSH
	switch {
	case !s.Enabled:
		return CheckResult{Status: StatusPass, Message: "ssh disabled"}
	case s.KnownHostsPath == "":
		return CheckResult{
			Status:  StatusWarn,
			Message: "host keys are not verified (insecure mode)",
			Fix:     "Set executor.ssh.known_hosts_path",
		}
	}
	if _, err := knownhosts.New(s.KnownHostsPath); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("load %s: %v", s.KnownHostsPath, err)}
	}
	return CheckResult{Status: StatusPass, Message: "loaded " + s.KnownHostsPath}
}

// checkInventory dials every remote VM concurrently.
func checkInventory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}

	var (
		mu          sync.Mutex
		unreachable []string
		remote      int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, vm := range cfg.Inventory.VMs {
		if vm.Host == executor.LocalHost {
			continue
		}
		remote++
		port := vm.Port
		if port == 0 {
			port = cfg.Executor.SSH.Port
		}
		addr := net.JoinHostPort(vm.Host, strconv.Itoa(port))
		id := vm.ID
		g.Go(func() error {
			if err := dialProbe(gctx, addr); err != nil {
				mu.Lock()
				unreachable = append(unreachable, id)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	total := len(cfg.Inventory.VMs)
	if len(unreachable) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d remote VM(s) unreachable: %s", len(unreachable), remote, strings.Join(unreachable, ", ")),
			Fix:     "Scripts targeting these VMs will fail with HOST_UNREACHABLE until they respond",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d VM(s), %d local, %d remote reachable", total, total-remote, remote),
	}
}

func checkTracer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped()
	}
	if !cfg.Tracer.Enabled {
		return CheckResult{Status: StatusPass, Message: "tracing disabled"}
	}
	if cfg.Tracer.Exporter != "otlp" || cfg.Tracer.Endpoint == "" {
		return CheckResult{Status: StatusPass, Message: "exporter " + cfg.Tracer.Exporter}
	}
	if err := dialProbe(ctx, cfg.Tracer.Endpoint); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("collector %s unreachable: %v", cfg.Tracer.Endpoint, err),
			Fix:     "Spans will be dropped until the collector is up",
		}
	}
	return CheckResult{Status: StatusPass, Message: "collector " + cfg.Tracer.Endpoint + " reachable"}
}

func dialProbe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
