package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"vmrelay/internal/domain"
	"vmrelay/internal/usecase/execution"
)

// handleExecChannel serves GET /ws/exec?vmId=...
func (s *Server) handleExecChannel(w http.ResponseWriter, r *http.Request) {
	vmID := strings.TrimSpace(r.URL.Query().Get("vmId"))
	s.serveChannel(w, r, kindExec, func(ctx context.Context, c *channel) {
		if vmID == "" {
			c.fail(domain.NewDomainError("Gateway.exec", domain.ErrInvalidInput, "vmId query parameter is required"))
			return
		}
		target, err := s.deps.Resolver.Resolve(ctx, vmID)
		if err != nil {
			c.fail(err)
			return
		}
		s.execLoop(ctx, c, *target)
	})
}

func (s *Server) execLoop(ctx context.Context, c *channel, target domain.VMTarget) {
	for {
		f, err := c.read(ctx)
		if errors.Is(err, domain.ErrFrameInvalid) {
			c.send(errorFrame(err))
			continue
		}
		if err != nil {
			return
		}

		switch f.kind() {
		case FrameRun:
			s.startRun(ctx, c, target, f)
		case FrameAbort:
			s.abortRun(ctx, c, f)
		case FramePing:
			c.send(Frame{Type: FramePong})
		default:
			c.send(errorFrame(domain.NewDomainError("Gateway.exec", domain.ErrFrameInvalid, "unsupported frame type "+string(f.Type))))
		}
	}
}

func (s *Server) startRun(ctx context.Context, c *channel, target domain.VMTarget, f ClientFrame) {
	if !c.acquire() {
		c.send(errorFrame(domain.NewDomainError("Gateway.run", domain.ErrChannelBusy, "an execution is already active on this channel")))
		return
	}
	timeout := f.timeout()
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeoutSeconds
	}
	caller := ""
	if c.client != nil {
		caller = c.client.Name
	}

	session, l, err := s.deps.Executions.StartStream(ctx, domain.ExecutionRequest{
		VM:             target,
		Script:         f.Script,
		TimeoutSeconds: timeout,
		Caller:         caller,
	})
	if err != nil {
		c.release()
		c.send(errorFrame(err))
		return
	}
	c.setSession(session.ID)
	c.send(Frame{Type: FrameConnected, SessionID: session.ID, VMID: target.ID})

	go s.pumpExecution(c, session.ID, l)
}

// pumpExecution forwards chunks until the session ends, then sends the single
// complete frame. A closed channel stops forwarding but not the execution.
func (s *Server) pumpExecution(c *channel, sessionID string, l *execution.Listener) {
	defer l.Close()

	for {
		select {
		case chunk, ok := <-l.Chunks():
			if !ok {
				final, err := s.deps.Executions.Get(sessionID)
				// Release first so a client reacting to the frame can run again.
				c.release()
				if err != nil {
					c.send(errorFrame(err))
					return
				}
				c.send(completeFrame(final))
				return
			}
			if !c.send(outputFrame(chunk)) {
				c.release()
				return
			}
		case <-c.done:
			c.release()
			s.logger.Info("channel closed during execution; session continues",
				"channel_id", c.id, "session_id", sessionID)
			return
		}
	}
}

func (s *Server) abortRun(ctx context.Context, c *channel, f ClientFrame) {
	id := f.SessionID
	if id == "" {
		id = c.currentSession()
	}
	if id == "" {
		c.send(errorFrame(domain.NewDomainError("Gateway.abort", domain.ErrInvalidInput, "sessionId is required")))
		return
	}
	if _, err := s.deps.Executions.Abort(ctx, id); err != nil {
		c.send(errorFrame(err))
	}
}
