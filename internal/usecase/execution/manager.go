// Package execution tracks remote script runs on managed VMs: it launches the
// executor, streams sequenced output to listeners, and owns the single
// terminal transition each session makes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"vmrelay/internal/domain"
	"vmrelay/internal/infra/tracer"
)

const subsystem = "execution"

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	MinTimeout      time.Duration // shortest accepted script timeout (default: 1s)
	MaxTimeout      time.Duration // longest accepted script timeout (default: 300s)
	MaxPerVM        int           // max concurrent running sessions per VM (default: 4)
	SessionTTL      time.Duration // remove terminal sessions after this (default: 30m)
	CleanupInterval time.Duration // how often to run TTL cleanup (default: 1m)
	ListenerBuffer  int           // chunks buffered per listener (default: 64)
	OutputTailBytes int           // output retained per session for polling (default: 64KiB)
}

func (c *ManagerConfig) applyDefaults() {
	if c.MinTimeout <= 0 {
		c.MinTimeout = time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxPerVM <= 0 {
		c.MaxPerVM = 4
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = 64
	}
	if c.OutputTailBytes == 0 {
		c.OutputTailBytes = 64 * 1024
	}
}

// sessionEntry holds the runtime state of one session.
type sessionEntry struct {
	// mu guards session, seq, listeners and tail.
	mu        sync.Mutex
	session   domain.ExecutionSession
	seq       uint64
	listeners map[uint64]*Listener
	nextLID   uint64
	tail      *outputTail

	// emitMu serializes chunk delivery so listeners observe production order.
	emitMu sync.Mutex

	cancel   context.CancelFunc
	timer    *time.Timer
	done     chan struct{} // closed at the terminal transition
	finished chan struct{} // closed when the executor goroutine returns
}

// Manager orchestrates execution sessions. Sessions live in memory only.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	running  map[string]int // vmID -> running sessions
	stopped  bool

	executor domain.RemoteExecutor
	ids      func() ulid.ULID
	config   ManagerConfig
	bus      domain.EventBus
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewManager creates a Manager and starts the TTL cleanup goroutine.
func NewManager(cfg ManagerConfig, executor domain.RemoteExecutor, bus domain.EventBus, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		sessions: make(map[string]*sessionEntry),
		running:  make(map[string]int),
		executor: executor,
		ids:      ulid.Make,
		config:   cfg,
		bus:      bus,
		logger:   logger,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Start validates the request, records a running session and launches the
// executor in the background. It returns without waiting for any output.
func (m *Manager) Start(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionSession, error) {
	session, _, err := m.start(ctx, req, false)
	return session, err
}

// StartStream is Start with a listener attached before the executor launches,
// so the caller observes every chunk from sequence 1.
func (m *Manager) StartStream(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionSession, *Listener, error) {
	return m.start(ctx, req, true)
}

func (m *Manager) start(ctx context.Context, req domain.ExecutionRequest, listen bool) (*domain.ExecutionSession, *Listener, error) {
	ctx, span := tracer.StartSpan(ctx, "execution.start")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("vm.id", req.VM.ID), tracer.IntAttr("timeout_seconds", req.TimeoutSeconds))

	if err := m.validate(req); err != nil {
		tracer.RecordError(span, err)
		return nil, nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		err := domain.NewSubSystemError(subsystem, "Manager.Start", domain.ErrInvalidState, "manager stopped")
		tracer.RecordError(span, err)
		return nil, nil, err
	}
	if n := m.running[req.VM.ID]; n >= m.config.MaxPerVM {
		m.mu.Unlock()
		err := domain.NewSubSystemError(subsystem, "Manager.Start", domain.ErrLimitReached,
			fmt.Sprintf("vm %q has %d/%d running sessions", req.VM.ID, n, m.config.MaxPerVM))
		tracer.RecordError(span, err)
		return nil, nil, err
	}

	// Detached so the run outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	e := &sessionEntry{
		session: domain.ExecutionSession{
			ID:             m.newID(),
			VMID:           req.VM.ID,
			Script:         req.Script,
			TimeoutSeconds: req.TimeoutSeconds,
			Status:         domain.ExecutionStatusRunning,
			Caller:         req.Caller,
			StartedAt:      time.Now(),
		},
		listeners: make(map[uint64]*Listener),
		tail:      newOutputTail(m.config.OutputTailBytes),
		cancel:    cancel,
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	m.sessions[e.session.ID] = e
	m.running[req.VM.ID]++
	m.mu.Unlock()

	var l *Listener
	if listen {
		l = m.attachEntry(e)
	}

	snapshot := e.snapshot()
	span.SetAttributes(tracer.StringAttr("session.id", snapshot.ID))

	e.mu.Lock()
	if !e.session.Status.Terminal() {
		e.timer = time.AfterFunc(time.Duration(req.TimeoutSeconds)*time.Second, func() {
			m.expire(e)
		})
	}
	e.mu.Unlock()

	m.emit(ctx, domain.EventExecutionStarted, snapshot)
	m.logger.Info("execution started",
		"session_id", snapshot.ID,
		"vm_id", snapshot.VMID,
		"timeout_seconds", snapshot.TimeoutSeconds,
		"caller", snapshot.Caller,
	)

	go m.run(domain.ContextWithSessionID(runCtx, snapshot.ID), e, req.VM, req.Script)
	tracer.SetOK(span)
	return &snapshot, l, nil
}

func (m *Manager) validate(req domain.ExecutionRequest) error {
	if req.VM.ID == "" {
		return domain.NewSubSystemError(subsystem, "Manager.Start", domain.ErrInvalidInput, "vm id is required")
	}
	if strings.TrimSpace(req.Script) == "" {
		return domain.NewSubSystemError(subsystem, "Manager.Start", domain.ErrInvalidInput, "script is empty")
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout < m.config.MinTimeout || timeout > m.config.MaxTimeout {
		return domain.NewSubSystemError(subsystem, "Manager.Start", domain.ErrInvalidInput,
			fmt.Sprintf("timeout %ds outside [%s, %s]", req.TimeoutSeconds, m.config.MinTimeout, m.config.MaxTimeout))
	}
	return nil
}

// Attach returns a listener that receives chunks produced from now on.
// Attaching to a terminal session yields an already-closed listener.
func (m *Manager) Attach(sessionID string) (*Listener, error) {
	e, err := m.entry("Manager.Attach", sessionID)
	if err != nil {
		return nil, err
	}
	return m.attachEntry(e), nil
}

func (m *Manager) attachEntry(e *sessionEntry) *Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status.Terminal() {
		return closedListener(e.session.ID)
	}
	e.nextLID++
	l := newListener(e.nextLID, e, m.config.ListenerBuffer)
	e.listeners[l.id] = l
	return l
}

// Abort ends a running session as aborted and cancels its executor. It
// returns false when the session had already reached a terminal status.
func (m *Manager) Abort(ctx context.Context, sessionID string) (bool, error) {
	e, err := m.entry("Manager.Abort", sessionID)
	if err != nil {
		return false, err
	}
	if !m.finish(ctx, e, domain.ExecutionStatusAborted, domain.ExitCodeAborted, nil) {
		return false, nil
	}
	e.cancel()
	return true, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (*domain.ExecutionSession, error) {
	e, err := m.entry("Manager.Get", sessionID)
	if err != nil {
		return nil, err
	}
	s := e.snapshot()
	return &s, nil
}

// Wait blocks until the session is terminal or ctx is done, and returns the
// latest snapshot.
func (m *Manager) Wait(ctx context.Context, sessionID string) (*domain.ExecutionSession, error) {
	e, err := m.entry("Manager.Wait", sessionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		s := e.snapshot()
		return &s, ctx.Err()
	}
	s := e.snapshot()
	return &s, nil
}

// Output returns retained chunks with a sequence greater than after.
func (m *Manager) Output(sessionID string, after uint64) (*domain.ExecutionOutput, error) {
	e, err := m.entry("Manager.Output", sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	first := e.tail.firstSequence()
	return &domain.ExecutionOutput{
		SessionID: e.session.ID,
		Status:    e.session.Status,
		Chunks:    e.tail.since(after),
		Truncated: e.seq > after && (first == 0 || first > after+1),
	}, nil
}

// List returns snapshots of all sessions, optionally filtered by VM, oldest first.
func (m *Manager) List(vmID string) []domain.ExecutionSession {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]domain.ExecutionSession, 0, len(entries))
	for _, e := range entries {
		s := e.snapshot()
		if vmID != "" && s.VMID != vmID {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b domain.ExecutionSession) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Running returns the number of sessions currently running on vmID.
func (m *Manager) Running(vmID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[vmID]
}

// Stop aborts every running session, stops the cleanup loop, and waits for
// executors to return or ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.loopDone

	m.mu.Lock()
	m.stopped = true
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if m.finish(ctx, e, domain.ExecutionStatusAborted, domain.ExitCodeAborted, nil) {
			e.cancel()
		}
	}
	for _, e := range entries {
		select {
		case <-e.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// --- internal ---

func (m *Manager) entry(op, sessionID string) (*sessionEntry, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, sessionID)
	}
	return e, nil
}

func (m *Manager) run(ctx context.Context, e *sessionEntry, target domain.VMTarget, script string) {
	defer close(e.finished)
	defer e.cancel()

	stdout := &chunkWriter{entry: e, stream: domain.StreamStdout}
	stderr := &chunkWriter{entry: e, stream: domain.StreamStderr}

	code, err := m.executor.Run(ctx, target, script, stdout, stderr)
	if err != nil {
		// Abort and timeout cancel ctx after transitioning, so finish is a no-op for them.
		m.finish(context.Background(), e, domain.ExecutionStatusFailed, domain.ExitCodeExecutorFailure,
			domain.NewSubSystemError(subsystem, "Manager.run", domain.ErrExecutorFailure, err.Error()))
		return
	}
	m.finish(context.Background(), e, domain.ExecutionStatusCompleted, code, nil)
}

func (m *Manager) expire(e *sessionEntry) {
	err := domain.NewSubSystemError(subsystem, "Manager.timeout", domain.ErrTimeout,
		fmt.Sprintf("exceeded %ds", e.timeoutSeconds()))
	if m.finish(context.Background(), e, domain.ExecutionStatusFailed, domain.ExitCodeTimeout, err) {
		e.cancel()
	}
}

// finish performs the one terminal transition of a session. The first caller
// wins; later callers get false and change nothing.
func (m *Manager) finish(ctx context.Context, e *sessionEntry, status domain.ExecutionStatus, code int, cause error) bool {
	e.mu.Lock()
	if e.session.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	now := time.Now()
	e.session.Status = status
	e.session.ExitCode = &code
	e.session.CompletedAt = &now
	if cause != nil {
		e.session.Error = cause.Error()
		e.session.ErrorCode = domain.ErrorCodeOf(cause)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	listeners := make([]*Listener, 0, len(e.listeners))
	for id, l := range e.listeners {
		listeners = append(listeners, l)
		delete(e.listeners, id)
	}
	snapshot := e.session
	e.mu.Unlock()

	m.mu.Lock()
	if m.running[snapshot.VMID] <= 1 {
		delete(m.running, snapshot.VMID)
	} else {
		m.running[snapshot.VMID]--
	}
	m.mu.Unlock()

	// An in-flight chunk delivery selects on e.done, so emitMu frees up promptly.
	e.emitMu.Lock()
	for _, l := range listeners {
		l.closeChannel()
	}
	e.emitMu.Unlock()

	m.emit(ctx, terminalEvent(status, cause), snapshot)
	attrs := []any{
		"session_id", snapshot.ID,
		"vm_id", snapshot.VMID,
		"status", string(status),
		"exit_code", code,
		"duration", now.Sub(snapshot.StartedAt),
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
		m.logger.Warn("execution finished", attrs...)
	} else {
		m.logger.Info("execution finished", attrs...)
	}
	return true
}

func terminalEvent(status domain.ExecutionStatus, cause error) domain.EventType {
	switch status {
	case domain.ExecutionStatusAborted:
		return domain.EventExecutionAborted
	case domain.ExecutionStatusFailed:
		if errors.Is(cause, domain.ErrTimeout) {
			return domain.EventExecutionExpired
		}
		return domain.EventExecutionFailed
	}
	return domain.EventExecutionCompleted
}

// deliver assigns the next sequence to data and hands it to every listener.
// Chunks produced after the terminal transition are dropped.
func (e *sessionEntry) deliver(stream domain.OutputStream, data string) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if e.session.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.seq++
	c := domain.OutputChunk{
		SessionID: e.session.ID,
		Stream:    stream,
		Data:      data,
		Sequence:  e.seq,
	}
	e.tail.add(c)
	listeners := make([]*Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		if l.chClosed {
			continue
		}
		select {
		case l.ch <- c:
		case <-l.done:
		case <-e.done:
		}
	}
}

func (e *sessionEntry) snapshot() domain.ExecutionSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *sessionEntry) timeoutSeconds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.TimeoutSeconds
}

// chunkWriter turns each executor Write into one output chunk.
type chunkWriter struct {
	entry  *sessionEntry
	stream domain.OutputStream
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.entry.deliver(w.stream, string(p))
	}
	return len(p), nil
}

func (m *Manager) cleanupLoop() {
	defer close(m.loopDone)
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpired(time.Now())
		}
	}
}

func (m *Manager) cleanupExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.config.SessionTTL)
	removed := 0
	for id, e := range m.sessions {
		s := e.snapshot()
		if s.Status.Terminal() && s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
			m.logger.Debug("execution session expired", "session_id", id)
		}
	}
	return removed
}

func (m *Manager) emit(ctx context.Context, eventType domain.EventType, s domain.ExecutionSession) {
	if m.bus == nil {
		return
	}
	payload := domain.ExecutionEventPayload{
		SessionID: s.ID,
		VMID:      s.VMID,
		Status:    s.Status,
		ExitCode:  s.ExitCode,
		ErrorCode: s.ErrorCode,
	}
	if s.CompletedAt != nil {
		payload.Duration = s.CompletedAt.Sub(s.StartedAt)
	}
	m.bus.Publish(ctx, domain.NewEvent(eventType, s.ID, payload))
}

// newID returns a session id not already in the table. Callers hold m.mu.
func (m *Manager) newID() string {
	for {
		id := m.ids().String()
		if _, taken := m.sessions[id]; !taken {
			return id
		}
	}
}
