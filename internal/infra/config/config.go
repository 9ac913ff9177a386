package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "VMRELAY_"

// encPrefix marks a value encrypted with EncryptValue.
const encPrefix = "enc:"

// Config is the root relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Execution ExecutionConfig `yaml:"execution"`
	Progress  ProgressConfig  `yaml:"progress"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Inventory InventoryConfig `yaml:"inventory"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Addr                  string          `yaml:"addr"`
	AllowedOrigins        []string        `yaml:"allowed_origins"`
	SendBuffer            int             `yaml:"send_buffer"`
	WriteTimeout          time.Duration   `yaml:"write_timeout"`
	SendTimeout           time.Duration   `yaml:"send_timeout"`
	HandshakeTimeout      time.Duration   `yaml:"handshake_timeout"`
	ShutdownTimeout       time.Duration   `yaml:"shutdown_timeout"`
	DefaultTimeoutSeconds int             `yaml:"default_timeout_seconds"`
	Auth                  AuthConfig      `yaml:"auth"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds the accepted client tokens.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig maps a bearer token to a client name.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig throttles the REST API per client IP. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ExecutionConfig bounds script sessions.
type ExecutionConfig struct {
	MinTimeoutSeconds int           `yaml:"min_timeout_seconds"`
	MaxTimeoutSeconds int           `yaml:"max_timeout_seconds"`
	MaxPerVM          int           `yaml:"max_per_vm"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	ListenerBuffer    int           `yaml:"listener_buffer"`
	OutputTailBytes   int           `yaml:"output_tail_bytes"`
}

// ProgressConfig bounds progress history retention.
type ProgressConfig struct {
	MaxHistory      int           `yaml:"max_history"`
	HistoryTTL      time.Duration `yaml:"history_ttl"`
	StaleTTL        time.Duration `yaml:"stale_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ExecutorConfig selects how scripts reach VMs. Targets whose host is
// "local" always run on this machine.
type ExecutorConfig struct {
	Shell string    `yaml:"shell"`
	SSH   SSHConfig `yaml:"ssh"`
}

// SSHConfig configures the remote executor.
type SSHConfig struct {
	Enabled        bool          `yaml:"enabled"`
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Passphrase     string        `yaml:"passphrase"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	Insecure       bool          `yaml:"insecure"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds the per-host dial circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// InventoryConfig lists the VMs the relay may target.
type InventoryConfig struct {
	VMs           []VMConfig    `yaml:"vms"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// VMConfig is one inventory entry.
type VMConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pool string `yaml:"pool"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a config that runs scripts on a single local VM.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                  "127.0.0.1:8085",
			AllowedOrigins:        []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
			SendBuffer:            64,
			WriteTimeout:          5 * time.Second,
			SendTimeout:           5 * time.Second,
			HandshakeTimeout:      10 * time.Second,
			ShutdownTimeout:       5 * time.Second,
			DefaultTimeoutSeconds: 30,
		},
		Execution: ExecutionConfig{
			MinTimeoutSeconds: 1,
			MaxTimeoutSeconds: 300,
			MaxPerVM:          4,
			SessionTTL:        30 * time.Minute,
			CleanupInterval:   time.Minute,
			ListenerBuffer:    64,
			OutputTailBytes:   64 * 1024,
		},
		Progress: ProgressConfig{
			MaxHistory:      256,
			HistoryTTL:      10 * time.Minute,
			StaleTTL:        time.Hour,
			CleanupInterval: time.Minute,
		},
		Executor: ExecutorConfig{
			Shell: "/bin/sh",
			SSH: SSHConfig{
				Port:        22,
				DialTimeout: 10 * time.Second,
				Breaker: BreakerConfig{
					MaxFailures: 3,
					Timeout:     30 * time.Second,
					Interval:    time.Minute,
				},
			},
		},
		Inventory: InventoryConfig{
			VMs:           []VMConfig{{ID: "local", Host: "local", Pool: "local"}},
			ReadyTimeout:  2 * time.Minute,
			ProbeInterval: 2 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads the YAML config at path, merges its includes, applies
// environment overrides, decrypts secrets and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// A configured inventory replaces the default VM rather than extending it.
	defaultVMs := cfg.Inventory.VMs
	cfg.Inventory.VMs = nil

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	if len(cfg.Inventory.VMs) == 0 {
		cfg.Inventory.VMs = defaultVMs
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps VMRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv(EnvPrefix + "SERVER_DEFAULT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.DefaultTimeoutSeconds = n
		}
	}
	// VMRELAY_AUTH_TOKEN adds a single token without touching the file.
	if v := os.Getenv(EnvPrefix + "AUTH_TOKEN"); v != "" {
		name := os.Getenv(EnvPrefix + "AUTH_TOKEN_NAME")
		if name == "" {
			name = "env"
		}
		cfg.Server.Auth.Tokens = append(cfg.Server.Auth.Tokens, TokenConfig{Token: v, Name: name})
	}
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv(EnvPrefix + "EXECUTION_MAX_PER_VM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Execution.MaxPerVM = n
		}
	}
	if v := os.Getenv(EnvPrefix + "EXECUTION_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Execution.SessionTTL = d
		}
	}
	if v := os.Getenv(EnvPrefix + "PROGRESS_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Progress.MaxHistory = n
		}
	}
	if v := os.Getenv(EnvPrefix + "PROGRESS_HISTORY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Progress.HistoryTTL = d
		}
	}
	if v := os.Getenv(EnvPrefix + "SSH_ENABLED"); v == "true" {
		cfg.Executor.SSH.Enabled = true
	}
	if v := os.Getenv(EnvPrefix + "SSH_USER"); v != "" {
		cfg.Executor.SSH.User = v
	}
	if v := os.Getenv(EnvPrefix + "SSH_PRIVATE_KEY_PATH"); v != "" {
		cfg.Executor.SSH.PrivateKeyPath = v
	}
	if v := os.Getenv(EnvPrefix + "SSH_PASSPHRASE"); v != "" {
		cfg.Executor.SSH.Passphrase = v
	}
	if v := os.Getenv(EnvPrefix + "SSH_KNOWN_HOSTS_PATH"); v != "" {
		cfg.Executor.SSH.KnownHostsPath = v
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v == "false" {
		cfg.Metrics.Enabled = false
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(EnvPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets replaces "enc:..." gateway tokens and the SSH key
// passphrase with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Server.Auth.Tokens {
		tok := &cfg.Server.Auth.Tokens[i]
		if err := decryptField(&tok.Token, passphrase); err != nil {
			return fmt.Errorf("auth token %s: %w", tok.Name, err)
		}
	}
	if err := decryptField(&cfg.Executor.SSH.Passphrase, passphrase); err != nil {
		return fmt.Errorf("ssh passphrase: %w", err)
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, encPrefix) {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*field, encPrefix), passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// Prefix the result with "enc:" to store it in a config file.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
