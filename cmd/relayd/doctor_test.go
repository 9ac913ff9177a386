package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"vmrelay/internal/infra/config"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func writeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	writeTestFile(t, path, string(pem.EncodeToMemory(block)))
	return path
}

func TestCheckConfigFileMissingUsesDefaults(t *testing.T) {
	result := checkConfigFile("/nonexistent/path/config.yaml", nil)(context.Background(), nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
}

func TestCheckConfigFileValidationError(t *testing.T) {
	err := &config.ValidationError{Errors: []string{"server.addr is required"}}
	result := checkConfigFile("config.yaml", err)(context.Background(), nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion")
	}
}

func TestCheckConfigFileOtherError(t *testing.T) {
	result := checkConfigFile("config.yaml", errors.New("parse config: bad"))(context.Background(), nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL, got %s", result.Status)
	}
}

func TestCheckConfigFileValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestFile(t, path, "logger:\n  level: info\n")
	result := checkConfigFile(path, nil)(context.Background(), config.Defaults())
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestChecksSkipWithoutConfig(t *testing.T) {
	for name, fn := range map[string]func(context.Context, *config.Config) CheckResult{
		"auth":      checkAuthTokens,
		"listen":    checkListenAddr,
		"shell":     checkShell,
		"ssh key":   checkSSHKey,
		"known":     checkKnownHosts,
		"inventory": checkInventory,
		"tracer":    checkTracer,
	} {
		if got := fn(context.Background(), nil); got.Status != StatusWarn {
			t.Errorf("%s: expected WARN for nil config, got %s", name, got.Status)
		}
	}
}

func TestCheckAuthTokens(t *testing.T) {
	cfg := config.Defaults()
	if got := checkAuthTokens(context.Background(), cfg); got.Status != StatusFail {
		t.Errorf("no tokens: got %s", got.Status)
	}

	cfg.Server.Auth.Tokens = []config.TokenConfig{{Token: "enc:abc", Name: "ci"}}
	if got := checkAuthTokens(context.Background(), cfg); got.Status != StatusFail {
		t.Errorf("encrypted token: got %s", got.Status)
	}

	cfg.Server.Auth.Tokens = []config.TokenConfig{{Token: "plain", Name: "ci"}}
	if got := checkAuthTokens(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("plain token: got %s: %s", got.Status, got.Message)
	}
}

func TestCheckListenAddr(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Addr = "127.0.0.1:0"
	if got := checkListenAddr(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("free port: got %s: %s", got.Status, got.Message)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg.Server.Addr = ln.Addr().String()
	if got := checkListenAddr(context.Background(), cfg); got.Status != StatusFail {
		t.Errorf("busy port: got %s", got.Status)
	}
}

func TestCheckShell(t *testing.T) {
	cfg := config.Defaults()
	if got := checkShell(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("/bin/sh: got %s: %s", got.Status, got.Message)
	}
	cfg.Executor.Shell = "/nonexistent/shell"
	if got := checkShell(context.Background(), cfg); got.Status != StatusFail {
		t.Errorf("missing shell: got %s", got.Status)
	}
}

func TestCheckSSHKey(t *testing.T) {
	cfg := config.Defaults()
	if got := checkSSHKey(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("disabled: got %s", got.Status)
	}

	cfg.Executor.SSH.Enabled = true
	cfg.Executor.SSH.PrivateKeyPath = writeKey(t, "")
	if got := checkSSHKey(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("plain key: got %s: %s", got.Status, got.Message)
	}

	cfg.Executor.SSH.PrivateKeyPath = writeKey(t, "hunter2")
	got := checkSSHKey(context.Background(), cfg)
	if got.Status != StatusFail || got.Message != "key is passphrase protected" {
		t.Errorf("protected key without passphrase: got %s: %s", got.Status, got.Message)
	}

	cfg.Executor.SSH.Passphrase = "hunter2"
	if got := checkSSHKey(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("protected key with passphrase: got %s: %s", got.Status, got.Message)
	}

	cfg.Executor.SSH.PrivateKeyPath = "/nonexistent/key"
	if got := checkSSHKey(context.Background(), cfg); got.Status != StatusFail {
		t.Errorf("missing key: got %s", got.Status)
	}
}

func TestCheckKnownHosts(t *testing.T) {
	cfg := config.Defaults()
	cfg.Executor.SSH.Enabled = true
	cfg.Executor.SSH.Insecure = true
	if got := checkKnownHosts(context.Background(), cfg); got.Status != StatusWarn {
		t.Errorf("insecure: got %s", got.Status)
	}

	cfg.Executor.SSH.KnownHostsPath = "/nonexistent/known_hosts"
	if got := checkKnownHosts(context.Background(), cfg); got.Status != StatusFail {
		t.Errorf("missing file: got %s", got.Status)
	}

	path := filepath.Join(t.TempDir(), "known_hosts")
	writeTestFile(t, path, "")
	cfg.Executor.SSH.KnownHostsPath = path
	if got := checkKnownHosts(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("empty file: got %s: %s", got.Status, got.Message)
	}
}

func TestCheckInventory(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	cfg := config.Defaults()
	cfg.Executor.SSH.Enabled = true
	cfg.Inventory.VMs = []config.VMConfig{
		{ID: "local", Host: "local"},
		{ID: "up", Host: "127.0.0.1", Port: port},
	}
	got := checkInventory(context.Background(), cfg)
	if got.Status != StatusPass {
		t.Errorf("reachable: got %s: %s", got.Status, got.Message)
	}
	if want := "2 VM(s), 1 local, 1 remote reachable"; got.Message != want {
		t.Errorf("message = %q, want %q", got.Message, want)
	}

	cfg.Inventory.VMs = append(cfg.Inventory.VMs, config.VMConfig{ID: "down", Host: "127.0.0.1", Port: closedPort})
	got = checkInventory(context.Background(), cfg)
	if got.Status != StatusWarn {
		t.Errorf("unreachable: got %s: %s", got.Status, got.Message)
	}
	if want := "1 of 2 remote VM(s) unreachable: down"; got.Message != want {
		t.Errorf("message = %q, want %q", got.Message, want)
	}
}

func TestCheckTracer(t *testing.T) {
	cfg := config.Defaults()
	if got := checkTracer(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("disabled: got %s", got.Status)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	cfg.Tracer = config.TracerConfig{Enabled: true, Exporter: "otlp", Endpoint: addr}
	if got := checkTracer(context.Background(), cfg); got.Status != StatusPass {
		t.Errorf("collector up: got %s: %s", got.Status, got.Message)
	}
	ln.Close()
	if got := checkTracer(context.Background(), cfg); got.Status != StatusWarn {
		t.Errorf("collector down: got %s", got.Status)
	}
}

func TestRunDoctorReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, `
server:
  addr: "127.0.0.1:0"
  auth:
    tokens:
      - token: "abc"
        name: "ci"
`)
	var out bytes.Buffer
	if err := runDoctor(context.Background(), &out, path); err != nil {
		t.Fatalf("runDoctor: %v\n%s", err, out.String())
	}
	for _, want := range []string{"relayd doctor", "[PASS] Config file", "[PASS] Auth tokens", "Results:"} {
		if !bytes.Contains(out.Bytes(), []byte(want)) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunDoctorFailsWithoutTokens(t *testing.T) {
	var out bytes.Buffer
	err := runDoctor(context.Background(), &out, filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected failure without auth tokens")
	}
}
