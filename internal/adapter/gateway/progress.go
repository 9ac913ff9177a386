package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"vmrelay/internal/domain"
)

// channelSink adapts a channel to domain.ProgressSink. A full queue fails
// the send after timeout so one slow client cannot stall a publisher.
type channelSink struct {
	c       *channel
	timeout time.Duration
}

func (k *channelSink) Send(ctx context.Context, ev domain.ProgressEvent) error {
	return k.c.sendWithin(ctx, progressFrame(ev), k.timeout)
}

// handleProgressChannel serves GET /ws/progress?trackingId=... The tracking
// id may instead arrive in a subscribe frame.
func (s *Server) handleProgressChannel(w http.ResponseWriter, r *http.Request) {
	trackingID := strings.TrimSpace(r.URL.Query().Get("trackingId"))
	s.serveChannel(w, r, kindProgress, func(ctx context.Context, c *channel) {
		if trackingID == "" {
			id, err := s.awaitSubscribe(ctx, c)
			if err != nil {
				c.fail(err)
				return
			}
			trackingID = id
		}
		s.progressLoop(ctx, c, trackingID)
	})
}

func (s *Server) awaitSubscribe(ctx context.Context, c *channel) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	f, err := c.read(readCtx)
	if err != nil && !errors.Is(err, domain.ErrFrameInvalid) {
		return "", domain.NewDomainError("Gateway.progress", domain.ErrInvalidInput, "trackingId is required")
	}
	if err != nil {
		return "", err
	}
	if f.kind() != FrameSubscribe || strings.TrimSpace(f.TrackingID) == "" {
		return "", domain.NewDomainError("Gateway.progress", domain.ErrInvalidInput, "first frame must be subscribe with a trackingId")
	}
	return strings.TrimSpace(f.TrackingID), nil
}

func (s *Server) progressLoop(ctx context.Context, c *channel, trackingID string) {
	if _, err := s.deps.Progress.History(trackingID); err != nil {
		c.fail(err)
		return
	}
	c.send(Frame{Type: FrameConnected, TrackingID: trackingID})

	sub, err := s.deps.Progress.Subscribe(ctx, trackingID, &channelSink{c: c, timeout: s.cfg.SendTimeout})
	if err != nil {
		c.fail(err)
		return
	}
	s.logger.Debug("progress subscription started", "channel_id", c.id, "tracking_id", trackingID)

	go func() {
		select {
		case <-sub.Done():
			if cause := subscriptionErr(sub); cause != nil {
				c.fail(cause)
				return
			}
			c.closeAfterFlush(websocket.StatusNormalClosure, "stream complete")
		case <-c.done:
			s.deps.Progress.Unsubscribe(sub)
		}
	}()

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
		case FramePing:
			c.send(Frame{Type: FramePong})
		case FrameSubscribe:
			c.send(errorFrame(domain.NewDomainError("Gateway.subscribe", domain.ErrChannelBusy, "a subscription is already active on this channel")))
		default:
			c.send(errorFrame(domain.NewDomainError("Gateway.progress", domain.ErrFrameInvalid, "unsupported frame type "+string(f.Type))))
		}
	}
}

// subscriptionErr returns why a subscription ended early, if its
// implementation reports it.
func subscriptionErr(sub domain.ProgressSubscription) error {
	if e, ok := sub.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}
