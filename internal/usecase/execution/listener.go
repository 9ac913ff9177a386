package execution

import (
	"sync"

	"vmrelay/internal/domain"
)

// Listener receives a session's output chunks in sequence order. Its channel
// is closed when the session reaches a terminal status or the listener is
// closed. A listener cannot be restarted.
type Listener struct {
	id        uint64
	sessionID string
	ch        chan domain.OutputChunk
	done      chan struct{}
	closeOnce sync.Once
	entry     *sessionEntry

	// chClosed is guarded by entry.emitMu.
	chClosed bool
}

func newListener(id uint64, e *sessionEntry, buffer int) *Listener {
	return &Listener{
		id:        id,
		sessionID: e.session.ID,
		ch:        make(chan domain.OutputChunk, buffer),
		done:      make(chan struct{}),
		entry:     e,
	}
}

// closedListener is returned when attaching to a session that already ended.
func closedListener(sessionID string) *Listener {
	l := &Listener{
		sessionID: sessionID,
		ch:        make(chan domain.OutputChunk),
		done:      make(chan struct{}),
		chClosed:  true,
	}
	close(l.ch)
	return l
}

// SessionID returns the session this listener is attached to.
func (l *Listener) SessionID() string { return l.sessionID }

// Chunks returns the receive-only chunk channel.
func (l *Listener) Chunks() <-chan domain.OutputChunk { return l.ch }

// Close detaches the listener. It never blocks on other listeners' delivery
// past the in-flight chunk. Close is idempotent.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.entry == nil {
			return
		}
		l.entry.mu.Lock()
		delete(l.entry.listeners, l.id)
		l.entry.mu.Unlock()

		l.entry.emitMu.Lock()
		l.closeChannel()
		l.entry.emitMu.Unlock()
	})
}

// closeChannel closes ch once. Callers hold entry.emitMu.
func (l *Listener) closeChannel() {
	if l.chClosed {
		return
	}
	l.chClosed = true
	close(l.ch)
}
