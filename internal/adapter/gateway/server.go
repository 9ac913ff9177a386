// Package gateway exposes execution and progress channels over WebSocket and
// a small REST control surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"vmrelay/internal/domain"
	"vmrelay/internal/infra/middleware"
	"vmrelay/internal/usecase/execution"
)

// ExecutionService is the part of the execution manager the gateway drives.
type ExecutionService interface {
	StartStream(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionSession, *execution.Listener, error)
	Abort(ctx context.Context, sessionID string) (bool, error)
	Get(sessionID string) (*domain.ExecutionSession, error)
	Output(sessionID string, after uint64) (*domain.ExecutionOutput, error)
	List(vmID string) []domain.ExecutionSession
}

// Provisioner starts provisioning workflows.
type Provisioner interface {
	Provision(ctx context.Context, spec domain.VMSpec) (string, error)
}

// Deps are the services behind the gateway. Provisioner and Metrics are optional.
type Deps struct {
	Executions  ExecutionService
	Progress    domain.ProgressBroadcaster
	Provisioner Provisioner
	Resolver    domain.VMResolver
	Auth        Authenticator
	Bus         domain.EventBus
	Metrics     http.Handler
}

// Config tunes the gateway.
type Config struct {
	Addr                  string
	AllowedOrigins        []string      // WebSocket origin patterns (default: localhost only)
	SendBuffer            int           // per-channel outbound queue length (default: 64)
	WriteTimeout          time.Duration // per-frame write timeout (default: 5s)
	SendTimeout           time.Duration // how long a progress publish may wait on a full queue (default: 5s)
	HandshakeTimeout      time.Duration // wait for a subscribe frame when no trackingId is given (default: 10s)
	DefaultTimeoutSeconds int           // applied to run frames without a timeout (default: 30)
	ShutdownTimeout       time.Duration // default: 5s
	RateLimit             middleware.RateLimitConfig
}

func (c *Config) applyDefaults() {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = 30
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Server is the WebSocket and REST gateway.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router chi.Router

	ctx    context.Context
	cancel context.CancelFunc

	channels  sync.Map // channel id (uint64) -> *channel
	wg        sync.WaitGroup
	nextID    atomic.Uint64
	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer builds the gateway and its routes.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Executions == nil || deps.Progress == nil || deps.Resolver == nil || deps.Auth == nil {
		return nil, errors.New("gateway: executions, progress, resolver and auth are required")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Get("/ws/exec", s.handleExecChannel)
	r.Get("/ws/progress", s.handleProgressChannel)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Tracing("vmrelay"))
		if s.cfg.RateLimit.RequestsPerMin > 0 {
			r.Use(middleware.RateLimitWithConfig(s.ctx, s.cfg.RateLimit))
		}
		r.Use(s.requireAuth)
		r.Post("/executions/abort", s.handleAbort)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/executions/{id}/output", s.handleExecutionOutput)
		r.Post("/vms", s.handleProvision)
		r.Get("/progress/{trackingId}", s.handleProgressHistory)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.cancel()
		<-stopped
		return fmt.Errorf("gateway serve: %w", err)
	}
	<-stopped
	return nil
}

// Stop closes every open channel and shuts the HTTP server down. Running
// executions are not aborted.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.channels.Range(func(_, value any) bool {
		c := value.(*channel)
		c.closeAfterFlush(websocket.StatusGoingAway, "server shutting down")
		return true
	})

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// ActiveChannels returns the number of open WebSocket channels.
func (s *Server) ActiveChannels() int {
	n := 0
	s.channels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// serveChannel upgrades the request, authenticates it and runs fn until the
// channel closes. Failed authentication is reported with one error frame.
func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, kind string, fn func(ctx context.Context, c *channel)) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "kind", kind, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	c := newChannel(s.nextID.Add(1), kind, ws, s.cfg.SendBuffer, s.cfg.WriteTimeout)
	s.channels.Store(c.id, c)
	go c.writeLoop()

	defer func() {
		c.shutdown()
		<-c.writerDone
		ws.CloseNow()
		s.channels.Delete(c.id)
		if c.client != nil {
			s.emit(domain.EventChannelClosed, c)
			s.logger.Info("channel closed", "channel_id", c.id, "kind", kind, "duration", time.Since(c.openedAt))
		}
	}()

	info, err := s.deps.Auth.Authenticate(bearerToken(r))
	if err != nil {
		s.logger.Warn("channel rejected", "channel_id", c.id, "kind", kind, "remote", r.RemoteAddr, "error", err)
		c.fail(err)
		return
	}
	c.client = info

	s.emit(domain.EventChannelOpened, c)
	s.logger.Info("channel opened", "channel_id", c.id, "kind", kind, "client", info.Name)

	// Cancelled by server shutdown; the connection itself ends reads on close.
	ctx := domain.ContextWithCaller(s.ctx, info.Name)
	fn(ctx, c)
}

func (s *Server) emit(eventType domain.EventType, c *channel) {
	if s.deps.Bus == nil {
		return
	}
	payload := domain.ChannelEventPayload{ChannelID: strconv.FormatUint(c.id, 10), Kind: c.kind}
	if eventType == domain.EventChannelClosed {
		payload.Duration = time.Since(c.openedAt)
	}
	s.deps.Bus.Publish(context.Background(), domain.NewEvent(eventType, c.currentSession(), payload))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.ActiveChannels(),
	})
}
