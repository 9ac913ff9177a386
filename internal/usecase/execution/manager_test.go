package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vmrelay/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// fakeExecutor runs a Go function in place of a remote script.
type fakeExecutor struct {
	fn func(ctx context.Context, stdout, stderr io.Writer) (int, error)
}

func (f *fakeExecutor) Run(ctx context.Context, _ domain.VMTarget, _ string, stdout, stderr io.Writer) (int, error) {
	return f.fn(ctx, stdout, stderr)
}

// blockingExecutor never finishes on its own.
func blockingExecutor() *fakeExecutor {
	return &fakeExecutor{fn: func(ctx context.Context, _, _ io.Writer) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
}

func exitWith(code int, out string) *fakeExecutor {
	return &fakeExecutor{fn: func(_ context.Context, stdout, _ io.Writer) (int, error) {
		if out != "" {
			io.WriteString(stdout, out)
		}
		return code, nil
	}}
}

func newTestManager(t *testing.T, exec domain.RemoteExecutor, bus domain.EventBus) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		MaxPerVM:        2,
		SessionTTL:      10 * time.Minute,
		CleanupInterval: time.Hour, // don't auto-cleanup during tests
	}, exec, bus, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func request(script string, timeout int) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		VM:             domain.VMTarget{ID: "vm-1", Host: "127.0.0.1"},
		Script:         script,
		TimeoutSeconds: timeout,
		Caller:         "tester",
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) *domain.ExecutionSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, s.Status.Terminal(), "status = %s", s.Status)
	return s
}

func collect(t *testing.T, l *Listener) []domain.OutputChunk {
	t.Helper()
	var out []domain.OutputChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-l.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("listener was not closed")
		}
	}
}

func TestStartValidation(t *testing.T) {
	m := newTestManager(t, exitWith(0, ""), nil)

	tests := []struct {
		name string
		req  domain.ExecutionRequest
	}{
		{"empty script", request("", 5)},
		{"whitespace script", request("  \n\t", 5)},
		{"zero timeout", request("echo hi", 0)},
		{"negative timeout", request("echo hi", -3)},
		{"timeout above max", request("echo hi", 301)},
		{"missing vm", domain.ExecutionRequest{Script: "echo hi", TimeoutSeconds: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, domain.CodeExecutionInvalid, domain.ErrorCodeOf(err))
		})
	}
	assert.Empty(t, m.List(""))
}

func TestStartBoundaryTimeouts(t *testing.T) {
	m := newTestManager(t, exitWith(0, ""), nil)
	for _, timeout := range []int{1, 300} {
		s, err := m.Start(context.Background(), request("true", timeout))
		require.NoError(t, err, "timeout %d", timeout)
		waitTerminal(t, m, s.ID)
	}
}

func TestStartRegeneratesCollidingID(t *testing.T) {
	m := newTestManager(t, blockingExecutor(), nil)
	dup := ulid.Make()
	fresh := ulid.Make()
	seq := []ulid.ULID{dup, dup, fresh}
	m.mu.Lock()
	m.ids = func() ulid.ULID {
		id := seq[0]
		seq = seq[1:]
		return id
	}
	m.mu.Unlock()

	first, err := m.Start(context.Background(), request("a", 5))
	require.NoError(t, err)
	second, err := m.Start(context.Background(), request("b", 5))
	require.NoError(t, err)

	assert.Equal(t, dup.String(), first.ID)
	assert.Equal(t, fresh.String(), second.ID)
	got, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Script)
	assert.Len(t, m.List(""), 2)
}

func TestSessionIDsUnique(t *testing.T) {
	m := NewManager(ManagerConfig{MaxPerVM: 1000, CleanupInterval: time.Hour}, exitWith(0, ""), nil, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})

	const n = 500
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		i := i // per-iteration copy; module targets go 1.21 loop semantics
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Start(context.Background(), request("true", 5))
			if err == nil {
				ids[i] = s.ID
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Len(t, m.List(""), n)
}

func TestStartReturnsRunningSession(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(context.Context, io.Writer, io.Writer) (int, error) {
		<-release
		return 0, nil
	}}
	bus := &recordingBus{}
	m := newTestManager(t, exec, bus)

	s, err := m.Start(context.Background(), request("sleep 1", 5))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, domain.ExecutionStatusRunning, s.Status)
	assert.Nil(t, s.ExitCode)
	assert.Nil(t, s.CompletedAt)
	assert.Equal(t, "vm-1", s.VMID)
	assert.Equal(t, "tester", s.Caller)

	close(release)
	final := waitTerminal(t, m, s.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, []domain.EventType{domain.EventExecutionStarted, domain.EventExecutionCompleted}, bus.Types())
}

func TestNonZeroExitIsCompleted(t *testing.T) {
	m := newTestManager(t, exitWith(3, ""), nil)
	s, err := m.Start(context.Background(), request("exit 3", 5))
	require.NoError(t, err)

	final := waitTerminal(t, m, s.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
}

func TestExecutorFailure(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, io.Writer, io.Writer) (int, error) {
		return 0, errors.New("dial tcp: connection refused")
	}}
	bus := &recordingBus{}
	m := newTestManager(t, exec, bus)

	s, err := m.Start(context.Background(), request("true", 5))
	require.NoError(t, err)

	final := waitTerminal(t, m, s.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, domain.ExitCodeExecutorFailure, *final.ExitCode)
	assert.Equal(t, domain.CodeExecutorFailure, final.ErrorCode)
	assert.Contains(t, final.Error, "connection refused")
	assert.Contains(t, bus.Types(), domain.EventExecutionFailed)
}

func TestStreamOrdering(t *testing.T) {
	const n = 200
	exec := &fakeExecutor{fn: func(_ context.Context, stdout, stderr io.Writer) (int, error) {
		for i := 0; i < n; i++ {
			w := stdout
			if i%3 == 0 {
				w = stderr
			}
			fmt.Fprintf(w, "line %d\n", i)
		}
		return 0, nil
	}}
	m := newTestManager(t, exec, nil)

	s, l, err := m.StartStream(context.Background(), request("gen", 5))
	require.NoError(t, err)
	assert.Equal(t, s.ID, l.SessionID())

	chunks := collect(t, l)
	require.Len(t, chunks, n)
	var stdout, stderr strings.Builder
	var wantOut, wantErr strings.Builder
	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Sequence)
		assert.Equal(t, s.ID, c.SessionID)
		want := fmt.Sprintf("line %d\n", i)
		assert.Equal(t, want, c.Data)
		if i%3 == 0 {
			assert.Equal(t, domain.StreamStderr, c.Stream)
			stderr.WriteString(c.Data)
			wantErr.WriteString(want)
		} else {
			assert.Equal(t, domain.StreamStdout, c.Stream)
			stdout.WriteString(c.Data)
			wantOut.WriteString(want)
		}
	}
	assert.Equal(t, wantOut.String(), stdout.String())
	assert.Equal(t, wantErr.String(), stderr.String())

	final := waitTerminal(t, m, s.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
}

func TestAttachSeesOnlyLaterChunks(t *testing.T) {
	step := make(chan struct{})
	exec := &fakeExecutor{fn: func(_ context.Context, stdout, _ io.Writer) (int, error) {
		io.WriteString(stdout, "early")
		<-step
		io.WriteString(stdout, "late")
		return 0, nil
	}}
	m := newTestManager(t, exec, nil)

	s, first, err := m.StartStream(context.Background(), request("x", 5))
	require.NoError(t, err)

	c := <-first.Chunks()
	assert.Equal(t, "early", c.Data)

	late, err := m.Attach(s.ID)
	require.NoError(t, err)
	close(step)

	got := collect(t, late)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Data)
	assert.Equal(t, uint64(2), got[0].Sequence)

	rest := collect(t, first)
	require.Len(t, rest, 1)
	assert.Equal(t, "late", rest[0].Data)
}

func TestAttachTerminalAndUnknown(t *testing.T) {
	m := newTestManager(t, exitWith(0, "done"), nil)
	s, err := m.Start(context.Background(), request("x", 5))
	require.NoError(t, err)
	waitTerminal(t, m, s.ID)

	l, err := m.Attach(s.ID)
	require.NoError(t, err)
	_, ok := <-l.Chunks()
	assert.False(t, ok, "listener on terminal session should be closed")
	l.Close()

	_, err = m.Attach("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeSessionNotFound, domain.ErrorCodeOf(err))
}

func TestListenerCloseDoesNotStallOthers(t *testing.T) {
	step := make(chan struct{})
	exec := &fakeExecutor{fn: func(_ context.Context, stdout, _ io.Writer) (int, error) {
		<-step
		for i := 0; i < 10; i++ {
			io.WriteString(stdout, "x")
		}
		return 0, nil
	}}
	m := NewManager(ManagerConfig{ListenerBuffer: 1, CleanupInterval: time.Hour}, exec, nil, newTestLogger())
	defer m.Stop(context.Background())

	s, active, err := m.StartStream(context.Background(), request("x", 5))
	require.NoError(t, err)
	idle, err := m.Attach(s.ID)
	require.NoError(t, err)

	got := make(chan int, 1)
	go func() {
		n := 0
		for range active.Chunks() {
			n++
		}
		got <- n
	}()

	close(step)
	// The idle listener never reads; closing it must unblock delivery.
	time.Sleep(20 * time.Millisecond)
	idle.Close()
	idle.Close()

	select {
	case n := <-got:
		assert.Equal(t, 10, n)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery stalled on a closed listener")
	}
}

func TestAbortIdempotent(t *testing.T) {
	bus := &recordingBus{}
	m := newTestManager(t, blockingExecutor(), bus)

	s, l, err := m.StartStream(context.Background(), request("sleep 100", 60))
	require.NoError(t, err)

	ok, err := m.Abort(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Abort(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	collect(t, l) // closed by the transition

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusAborted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, domain.ExitCodeAborted, *got.ExitCode)

	// Executor returns with ctx.Err after cancel; the recorded state must not change.
	time.Sleep(20 * time.Millisecond)
	again, _ := m.Get(s.ID)
	assert.Equal(t, domain.ExecutionStatusAborted, again.Status)
	assert.Equal(t, domain.ExitCodeAborted, *again.ExitCode)
	assert.Equal(t, []domain.EventType{domain.EventExecutionStarted, domain.EventExecutionAborted}, bus.Types())
}

func TestAbortCompletedSessionKeepsExitCode(t *testing.T) {
	m := newTestManager(t, exitWith(7, ""), nil)
	s, err := m.Start(context.Background(), request("exit 7", 5))
	require.NoError(t, err)
	waitTerminal(t, m, s.ID)

	ok, err := m.Abort(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := m.Get(s.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 7, *got.ExitCode)
}

func TestAbortUnknown(t *testing.T) {
	m := newTestManager(t, blockingExecutor(), nil)
	ok, err := m.Abort(context.Background(), "missing")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentAbortSingleWinner(t *testing.T) {
	m := newTestManager(t, blockingExecutor(), nil)
	s, err := m.Start(context.Background(), request("sleep 100", 60))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Abort(context.Background(), s.ID)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTimeoutEnforced(t *testing.T) {
	bus := &recordingBus{}
	m := newTestManager(t, blockingExecutor(), bus)

	begin := time.Now()
	s, l, err := m.StartStream(context.Background(), request("sleep 10", 1))
	require.NoError(t, err)

	collect(t, l)
	elapsed := time.Since(begin)

	final := waitTerminal(t, m, s.ID)
	assert.GreaterOrEqual(t, elapsed, time.Second, "timeout fired early")
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, domain.ExitCodeTimeout, *final.ExitCode)
	assert.Equal(t, domain.CodeExecutionTimeout, final.ErrorCode)
	assert.Contains(t, bus.Types(), domain.EventExecutionExpired)

	ok, err := m.Abort(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerVMLimit(t *testing.T) {
	m := newTestManager(t, blockingExecutor(), nil)

	a, err := m.Start(context.Background(), request("a", 60))
	require.NoError(t, err)
	_, err = m.Start(context.Background(), request("b", 60))
	require.NoError(t, err)

	_, err = m.Start(context.Background(), request("c", 60))
	assert.ErrorIs(t, err, domain.ErrLimitReached)
	assert.Equal(t, domain.CodeSessionLimit, domain.ErrorCodeOf(err))

	other := request("d", 60)
	other.VM.ID = "vm-2"
	_, err = m.Start(context.Background(), other)
	require.NoError(t, err, "limit is per VM")

	_, err = m.Abort(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Running("vm-1"))
	_, err = m.Start(context.Background(), request("e", 60))
	require.NoError(t, err)
}

func TestListAndOutput(t *testing.T) {
	m := newTestManager(t, exitWith(0, "hello"), nil)
	s1, err := m.Start(context.Background(), request("a", 5))
	require.NoError(t, err)
	waitTerminal(t, m, s1.ID)

	second := request("b", 5)
	second.VM.ID = "vm-2"
	s2, err := m.Start(context.Background(), second)
	require.NoError(t, err)
	waitTerminal(t, m, s2.ID)

	all := m.List("")
	require.Len(t, all, 2)
	assert.Equal(t, s1.ID, all[0].ID)
	only := m.List("vm-2")
	require.Len(t, only, 1)
	assert.Equal(t, s2.ID, only[0].ID)

	out, err := m.Output(s1.ID, 0)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, "hello", out.Chunks[0].Data)
	assert.False(t, out.Truncated)

	out, err = m.Output(s1.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, out.Chunks)
}

func TestCleanupExpired(t *testing.T) {
	m := newTestManager(t, exitWith(0, ""), nil)
	s, err := m.Start(context.Background(), request("a", 5))
	require.NoError(t, err)
	waitTerminal(t, m, s.ID)

	assert.Equal(t, 0, m.cleanupExpired(time.Now()))
	assert.Equal(t, 1, m.cleanupExpired(time.Now().Add(11*time.Minute)))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStopAbortsRunningAndRejectsNew(t *testing.T) {
	m := NewManager(ManagerConfig{CleanupInterval: time.Hour}, blockingExecutor(), nil, newTestLogger())
	s, err := m.Start(context.Background(), request("a", 60))
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusAborted, got.Status)

	_, err = m.Start(context.Background(), request("b", 60))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	require.NoError(t, m.Stop(context.Background()))
}

func TestWaitHonoursContext(t *testing.T) {
	m := newTestManager(t, blockingExecutor(), nil)
	s, err := m.Start(context.Background(), request("a", 60))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := m.Wait(ctx, s.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.ExecutionStatusRunning, snap.Status)
}
