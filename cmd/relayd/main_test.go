package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmrelay/internal/infra/config"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "relayd dev\n", out)
}

func TestEncryptCommandRoundTrip(t *testing.T) {
	t.Setenv("VMRELAY_CONFIG_KEY", "pass")

	out, err := execute(t, "", "encrypt", "s3cret")
	require.NoError(t, err)
	out = strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(out, "enc:"), out)

	plain, err := config.DecryptValue(strings.TrimPrefix(out, "enc:"), "pass")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestEncryptCommandReadsStdin(t *testing.T) {
	t.Setenv("VMRELAY_CONFIG_KEY", "pass")

	out, err := execute(t, "from-stdin\n", "encrypt")
	require.NoError(t, err)
	plain, err := config.DecryptValue(strings.TrimPrefix(strings.TrimSpace(out), "enc:"), "pass")
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", plain)
}

func TestEncryptCommandRequiresKey(t *testing.T) {
	t.Setenv("VMRELAY_CONFIG_KEY", "")
	_, err := execute(t, "", "encrypt", "x")
	assert.ErrorContains(t, err, "VMRELAY_CONFIG_KEY is not set")
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("VMRELAY_CONFIG", "")
	assert.Equal(t, "config.yaml", defaultConfigPath())
	t.Setenv("VMRELAY_CONFIG", "/etc/vmrelay/config.yaml")
	assert.Equal(t, "/etc/vmrelay/config.yaml", defaultConfigPath())
}

func TestAppServesAndShutsDown(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.Auth.Tokens = []config.TokenConfig{{Token: "t", Name: "test"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, 2*time.Second) }()

	require.Eventually(t, func() bool { return a.server.BoundAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + a.server.BoundAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "vmrelay_executions_running")

	req, _ := http.NewRequest(http.MethodGet, base+"/api/v1/executions", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer t")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestNewAppRejectsBadSSHConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Executor.SSH.Enabled = true
	cfg.Executor.SSH.PrivateKeyPath = "/nonexistent/key"
	cfg.Executor.SSH.Insecure = true

	_, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "read private key")
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.RateLimit = config.RateLimitConfig{RequestsPerMin: 120, Burst: 5, TrustedProxies: []string{"10.0.0.1"}}
	cfg.Inventory.VMs = []config.VMConfig{{ID: "a", Host: "10.0.0.2", Port: 2222, User: "ops", Pool: "p"}}

	gc := gatewayConfig(cfg.Server)
	assert.Equal(t, 120, gc.RateLimit.RequestsPerMin)
	assert.Equal(t, 5, gc.RateLimit.BurstSize)
	assert.Equal(t, cfg.Server.DefaultTimeoutSeconds, gc.DefaultTimeoutSeconds)

	targets := vmTargets(cfg.Inventory.VMs)
	require.Len(t, targets, 1)
	assert.Equal(t, "ops", targets[0].User)
	assert.Equal(t, 2222, targets[0].Port)
	assert.Equal(t, "p", targets[0].Pool)

	entries := tokenEntries([]config.TokenConfig{{Token: "x", Name: "ci"}})
	assert.Equal(t, "ci", entries[0].Name)
}
