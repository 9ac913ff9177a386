package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vmrelay/internal/domain"
)

// Channel kinds.
const (
	kindExec     = "exec"
	kindProgress = "progress"
)

// outbound is one entry in a channel's send queue. A closing entry ends the
// write loop after everything queued before it has been written.
type outbound struct {
	frame   Frame
	closing bool
	status  websocket.StatusCode
	reason  string
}

// channel tracks a single WebSocket connection.
type channel struct {
	id           uint64
	kind         string
	client       *ClientInfo
	ws           *websocket.Conn
	sendCh       chan outbound // buffered outbound queue
	done         chan struct{}
	closeOnce    sync.Once
	writerDone   chan struct{}
	closeQueued  atomic.Bool // a closing entry is in sendCh
	writeTimeout time.Duration
	openedAt     time.Time

	mu        sync.Mutex
	active    bool
	sessionID string
}

func newChannel(id uint64, kind string, ws *websocket.Conn, buffer int, writeTimeout time.Duration) *channel {
	return &channel{
		id:           id,
		kind:         kind,
		ws:           ws,
		sendCh:       make(chan outbound, buffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: writeTimeout,
		openedAt:     time.Now(),
	}
}

// send queues a frame, blocking while the queue is full. It reports false
// once the channel is closed.
func (c *channel) send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- outbound{frame: f}:
		return true
	case <-c.done:
		return false
	}
}

// sendWithin is send bounded by ctx and timeout.
func (c *channel) sendWithin(ctx context.Context, f Frame, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.sendCh <- outbound{frame: f}:
		return nil
	case <-c.done:
		return fmt.Errorf("channel %d closed", c.id)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("channel %d: send queue full for %s", c.id, timeout)
	}
}

// closeAfterFlush closes the connection once the frames already queued are written.
func (c *channel) closeAfterFlush(status websocket.StatusCode, reason string) {
	select {
	case c.sendCh <- outbound{closing: true, status: status, reason: reason}:
		c.closeQueued.Store(true)
	case <-c.done:
	}
}

// fail sends one error frame and closes the channel.
func (c *channel) fail(err error) {
	c.send(errorFrame(err))
	c.closeAfterFlush(closeStatus(err), truncateReason(err.Error()))
}

func (c *channel) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop owns all writes. When the channel is shut down after a closing
// entry was queued, the entries up to it are still written.
func (c *channel) writeLoop() {
	defer close(c.writerDone)
	defer c.shutdown()
	for {
		select {
		case <-c.done:
			if c.closeQueued.Load() {
				c.flush()
			}
			return
		case out := <-c.sendCh:
			if !c.write(out) {
				return
			}
		}
	}
}

// flush writes queued entries without blocking, stopping at a closing entry.
func (c *channel) flush() {
	for {
		select {
		case out := <-c.sendCh:
			if !c.write(out) {
				return
			}
		default:
			return
		}
	}
}

// write sends one entry and reports whether the loop should continue.
func (c *channel) write(out outbound) bool {
	if out.closing {
		c.ws.Close(out.status, out.reason)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, out.frame) == nil
}

// read returns the next client frame. Malformed frames yield an error
// wrapping domain.ErrFrameInvalid and leave the connection usable.
func (c *channel) read(ctx context.Context) (ClientFrame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return ClientFrame{}, err
	}
	var f ClientFrame
	if typ != websocket.MessageText {
		return f, fmt.Errorf("%w: binary frames are not accepted", domain.ErrFrameInvalid)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", domain.ErrFrameInvalid, err)
	}
	return f, nil
}

// acquire marks the channel busy. At most one execution or subscription is
// active per channel.
func (c *channel) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	return true
}

func (c *channel) release() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

func (c *channel) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *channel) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func closeStatus(err error) websocket.StatusCode {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeGatewayAuth, domain.CodeAuthInvalid:
		return websocket.StatusPolicyViolation
	case domain.CodeUnknown:
		return websocket.StatusInternalError
	}
	return websocket.StatusNormalClosure
}

// Close reasons must fit in a control frame.
func truncateReason(s string) string {
	const maxReason = 120
	if len(s) <= maxReason {
		return s
	}
	n := maxReason
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
