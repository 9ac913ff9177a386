//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"vmrelay/internal/adapter/executor"
	"vmrelay/internal/domain"
	"vmrelay/internal/usecase/eventbus"
	"vmrelay/internal/usecase/execution"
)

func newSSHManager(t *testing.T, cfg *Config) *execution.Manager {
	t.Helper()
	remote, err := executor.NewSSH(executor.SSHConfig{
		User:           cfg.SSHUser,
		Port:           cfg.SSHPort,
		PrivateKeyPath: cfg.PrivateKeyPath,
		KnownHostsPath: cfg.KnownHostsPath,
		Insecure:       cfg.KnownHostsPath == "",
	}, NewTestLogger())
	if err != nil {
		t.Fatalf("NewSSH: %v", err)
	}
	log := NewTestLogger()
	bus := eventbus.New(log, eventbus.DefaultQueueSize)
	t.Cleanup(bus.Close)

	local := executor.NewLocal("/bin/sh", log)
	m := execution.NewManager(execution.ManagerConfig{}, executor.NewRouter(local, remote), bus, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func TestE2E_SSHEchoStreams(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoHost(t, cfg)

	ctx := NewTestContext(t, cfg.TestTimeout)
	m := newSSHManager(t, cfg)

	session, err := m.Start(ctx, domain.ExecutionRequest{
		VM:             cfg.Target(),
		Script:         "echo out; echo err 1>&2; exit 3",
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final, err := m.Wait(ctx, session.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", final.ExitCode)
	}

	out, err := m.Output(session.ID, 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	var stdout, stderr strings.Builder
	for i, c := range out.Chunks {
		if c.Sequence != uint64(i+1) {
			t.Errorf("chunk %d has sequence %d", i, c.Sequence)
		}
		switch c.Stream {
		case domain.StreamStdout:
			stdout.WriteString(c.Data)
		case domain.StreamStderr:
			stderr.WriteString(c.Data)
		}
	}
	if stdout.String() != "out\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "err\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestE2E_SSHTimeoutKillsRemoteProcess(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoHost(t, cfg)
	if cfg.SkipSlow {
		t.Skip("Skipping slow test")
	}

	ctx := NewTestContext(t, cfg.TestTimeout)
	m := newSSHManager(t, cfg)

	session, err := m.Start(ctx, domain.ExecutionRequest{
		VM:             cfg.Target(),
		Script:         "sleep 30",
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	final, err := m.Wait(ctx, session.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != domain.ExecutionStatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
	if final.ErrorCode != domain.CodeExecutionTimeout {
		t.Errorf("error code = %s, want %s", final.ErrorCode, domain.CodeExecutionTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestE2E_SSHAbort(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoHost(t, cfg)

	ctx := NewTestContext(t, cfg.TestTimeout)
	m := newSSHManager(t, cfg)

	session, listener, err := m.StartStream(ctx, domain.ExecutionRequest{
		VM:             cfg.Target(),
		Script:         "echo ready; sleep 30",
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer listener.Close()

	select {
	case chunk := <-listener.Chunks():
		if !strings.Contains(chunk.Data, "ready") {
			t.Fatalf("first chunk = %q", chunk.Data)
		}
	case <-ctx.Done():
		t.Fatal("no output before deadline")
	}

	aborted, err := m.Abort(ctx, session.ID)
	if err != nil || !aborted {
		t.Fatalf("Abort = %v, %v", aborted, err)
	}
	final, err := m.Wait(ctx, session.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != domain.ExecutionStatusAborted {
		t.Errorf("status = %s, want aborted", final.Status)
	}
}
