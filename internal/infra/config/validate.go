package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateExecution(cfg, ve)
	validateProgress(cfg, ve)
	validateExecutor(cfg, ve)
	validateInventory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", s.Addr)
	}
	if s.SendBuffer <= 0 {
		ve.Add("server.send_buffer must be > 0")
	}
	if s.WriteTimeout <= 0 {
		ve.Add("server.write_timeout must be > 0")
	}
	if s.SendTimeout <= 0 {
		ve.Add("server.send_timeout must be > 0")
	}
	if s.HandshakeTimeout <= 0 {
		ve.Add("server.handshake_timeout must be > 0")
	}
	if s.DefaultTimeoutSeconds < cfg.Execution.MinTimeoutSeconds || s.DefaultTimeoutSeconds > cfg.Execution.MaxTimeoutSeconds {
		ve.Add("server.default_timeout_seconds %d is outside execution timeout bounds [%d, %d]",
			s.DefaultTimeoutSeconds, cfg.Execution.MinTimeoutSeconds, cfg.Execution.MaxTimeoutSeconds)
	}

	names := make(map[string]bool, len(s.Auth.Tokens))
	for i, tok := range s.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("server.auth.tokens[%d].token must not be empty", i)
		}
		if tok.Name == "" {
			ve.Add("server.auth.tokens[%d].name must not be empty", i)
			continue
		}
		if names[tok.Name] {
			ve.Add("server.auth.tokens[%d]: duplicate name %q", i, tok.Name)
		}
		names[tok.Name] = true
	}

	if s.RateLimit.RequestsPerMin < 0 {
		ve.Add("server.rate_limit.requests_per_min must be >= 0")
	}
	if s.RateLimit.Burst < 0 {
		ve.Add("server.rate_limit.burst must be >= 0")
	}
	for _, p := range s.RateLimit.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("server.rate_limit.trusted_proxies: %q is not an IP address", p)
		}
	}
}

func validateExecution(cfg *Config, ve *ValidationError) {
	e := cfg.Execution
	if e.MinTimeoutSeconds <= 0 {
		ve.Add("execution.min_timeout_seconds must be > 0")
	}
	if e.MaxTimeoutSeconds < e.MinTimeoutSeconds {
		ve.Add("execution.max_timeout_seconds must be >= min_timeout_seconds")
	}
	if e.MaxPerVM <= 0 {
		ve.Add("execution.max_per_vm must be > 0")
	}
	if e.SessionTTL <= 0 {
		ve.Add("execution.session_ttl must be > 0")
	}
	if e.CleanupInterval <= 0 {
		ve.Add("execution.cleanup_interval must be > 0")
	}
	if e.ListenerBuffer <= 0 {
		ve.Add("execution.listener_buffer must be > 0")
	}
	if e.OutputTailBytes < 0 {
		ve.Add("execution.output_tail_bytes must be >= 0")
	}
}

func validateProgress(cfg *Config, ve *ValidationError) {
	p := cfg.Progress
	if p.MaxHistory <= 0 {
		ve.Add("progress.max_history must be > 0")
	}
	if p.HistoryTTL <= 0 {
		ve.Add("progress.history_ttl must be > 0")
	}
	if p.StaleTTL <= 0 {
		ve.Add("progress.stale_ttl must be > 0")
	}
	if p.CleanupInterval <= 0 {
		ve.Add("progress.cleanup_interval must be > 0")
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	if cfg.Executor.Shell == "" {
		ve.Add("executor.shell is required")
	}
	ssh := cfg.Executor.SSH
	if !ssh.Enabled {
		return
	}
	if ssh.PrivateKeyPath == "" {
		ve.Add("executor.ssh.private_key_path is required when ssh is enabled")
	}
	if ssh.KnownHostsPath == "" && !ssh.Insecure {
		ve.Add("executor.ssh.known_hosts_path is required unless executor.ssh.insecure is set")
	}
	if ssh.Port < 0 || ssh.Port > 65535 {
		ve.Add("executor.ssh.port %d is out of range", ssh.Port)
	}
	if ssh.DialTimeout < 0 {
		ve.Add("executor.ssh.dial_timeout must be >= 0")
	}
}

func validateInventory(cfg *Config, ve *ValidationError) {
	inv := cfg.Inventory
	if len(inv.VMs) == 0 {
		ve.Add("inventory.vms must list at least one VM")
	}
	ids := make(map[string]bool, len(inv.VMs))
	for i, vm := range inv.VMs {
		if vm.ID == "" {
			ve.Add("inventory.vms[%d].id must not be empty", i)
		} else if ids[vm.ID] {
			ve.Add("inventory.vms[%d]: duplicate id %q", i, vm.ID)
		}
		ids[vm.ID] = true
		if vm.Host == "" {
			ve.Add("inventory.vms[%d].host must not be empty", i)
		}
		if vm.Port < 0 || vm.Port > 65535 {
			ve.Add("inventory.vms[%d].port %d is out of range", i, vm.Port)
		}
		if vm.Host != "" && vm.Host != "local" && !cfg.Executor.SSH.Enabled {
			ve.Add("inventory.vms[%d]: remote host %q requires executor.ssh.enabled", i, vm.Host)
		}
	}
	if inv.ReadyTimeout <= 0 {
		ve.Add("inventory.ready_timeout must be > 0")
	}
	if inv.ProbeInterval <= 0 {
		ve.Add("inventory.probe_interval must be > 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "otlp", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}
