// Package progress fans provisioning progress events out to subscribers,
// replaying each tracking id's buffered history to late joiners.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"vmrelay/internal/domain"
)

const subsystem = "progress"

// Config holds Broadcaster limits.
type Config struct {
	MaxHistory      int           // events retained per tracking id (default: 256)
	HistoryTTL      time.Duration // keep terminal streams without subscribers this long (default: 10m)
	StaleTTL        time.Duration // drop idle non-terminal streams after this (default: 1h)
	CleanupInterval time.Duration // retention sweep period (default: 1m)
}

func (c *Config) applyDefaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 256
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = 10 * time.Minute
	}
	if c.StaleTTL <= 0 {
		c.StaleTTL = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// stream is the history and live subscriber set of one tracking id. Its mutex
// is held across replay and live delivery, so a subscriber sees each event
// exactly once.
type stream struct {
	mu           sync.Mutex
	trackingID   string
	history      []domain.ProgressEvent
	seq          uint64
	percent      int
	terminal     bool
	terminalAt   time.Time
	lastActivity time.Time
	subs         map[uint64]*Subscription
	removed      bool
}

// Subscription is a registered sink on one tracking id.
type Subscription struct {
	id         uint64
	trackingID string
	sink       domain.ProgressSink
	createdAt  time.Time
	done       chan struct{}
	endOnce    sync.Once
	err        atomic.Pointer[error]
	stream     *stream
}

// ID returns the subscription id.
func (s *Subscription) ID() uint64 { return s.id }

// TrackingID returns the tracking id the subscription is attached to.
func (s *Subscription) TrackingID() string { return s.trackingID }

// CreatedAt returns when Subscribe was called.
func (s *Subscription) CreatedAt() time.Time { return s.createdAt }

// Done is closed when the subscription ends: after the terminal event, on
// unsubscribe, or when delivery to the sink fails.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the delivery error that ended the subscription, if any.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Subscription) end(cause error) {
	s.endOnce.Do(func() {
		if cause != nil {
			s.err.Store(&cause)
		}
		close(s.done)
	})
}

// Broadcaster is the in-memory progress event hub.
type Broadcaster struct {
	mu      sync.RWMutex
	streams map[string]*stream
	nextID  atomic.Uint64

	config Config
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// New creates a Broadcaster and starts its retention loop.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Broadcaster {
	cfg.applyDefaults()
	b := &Broadcaster{
		streams:  make(map[string]*stream),
		config:   cfg,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.retentionLoop()
	return b
}

// Publish appends an event to the tracking id's history and delivers it to
// every live subscriber before returning. Delivery failures drop the failing
// subscription and are not reported to the caller.
func (b *Broadcaster) Publish(ctx context.Context, trackingID string, payload domain.ProgressPayload) (domain.ProgressEvent, error) {
	if trackingID == "" {
		return domain.ProgressEvent{}, domain.NewSubSystemError(subsystem, "Broadcaster.Publish", domain.ErrInvalidInput, "tracking id is required")
	}
	if payload == nil {
		return domain.ProgressEvent{}, domain.NewSubSystemError(subsystem, "Broadcaster.Publish", domain.ErrInvalidInput, "payload is required")
	}
	if err := payload.Validate(); err != nil {
		return domain.ProgressEvent{}, domain.NewSubSystemError(subsystem, "Broadcaster.Publish", domain.ErrInvalidInput, err.Error())
	}

	for {
		s := b.getOrCreate(trackingID)
		s.mu.Lock()
		if s.removed {
			// Lost a race with retention; the next lookup creates a fresh stream.
			s.mu.Unlock()
			b.forget(s)
			continue
		}
		ev, err := b.publishLocked(ctx, s, payload)
		s.mu.Unlock()
		return ev, err
	}
}

func (b *Broadcaster) publishLocked(ctx context.Context, s *stream, payload domain.ProgressPayload) (domain.ProgressEvent, error) {
	if s.terminal {
		return domain.ProgressEvent{}, domain.NewSubSystemError(subsystem, "Broadcaster.Publish", domain.ErrInvalidState,
			fmt.Sprintf("tracking id %q already ended", s.trackingID))
	}

	now := b.now()
	s.seq++
	s.percent = clampPercent(s.percent, payload)
	ev := domain.ProgressEvent{
		TrackingID: s.trackingID,
		Sequence:   s.seq,
		Timestamp:  now,
		Percent:    s.percent,
		Payload:    payload,
	}
	s.history = append(s.history, ev)
	b.evict(s)
	s.lastActivity = now

	terminal := payload.Stage().Terminal()
	if terminal {
		s.terminal = true
		s.terminalAt = now
	}

	for id, sub := range s.subs {
		if err := sub.sink.Send(ctx, ev); err != nil {
			delete(s.subs, id)
			sub.end(err)
			b.logger.Warn("progress subscriber dropped",
				"tracking_id", s.trackingID,
				"subscription_id", id,
				"sequence", ev.Sequence,
				"error", err,
			)
			b.emit(ctx, domain.EventProgressDropped, ev, err.Error())
		}
	}
	if terminal {
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.end(nil)
		}
		b.emit(ctx, domain.EventProgressTerminal, ev, "")
		b.logger.Info("progress stream ended", "tracking_id", s.trackingID, "stage", string(ev.Stage()), "events", ev.Sequence)
	}
	b.emit(ctx, domain.EventProgressPublished, ev, "")
	return ev, nil
}

// clampPercent keeps the reported percent non-decreasing.
func clampPercent(last int, payload domain.ProgressPayload) int {
	switch p := payload.(type) {
	case domain.StepEvent:
		return max(last, p.Percent)
	case domain.CompleteEvent:
		return 100
	}
	return last
}

// evict trims history to MaxHistory. Script output goes first, oldest first,
// so the stage events stay replayable; step events are dropped only when no
// output is left. The terminal event is always last and never removed.
func (b *Broadcaster) evict(s *stream) {
	for len(s.history) > b.config.MaxHistory {
		i := oldestEvictable(s.history)
		if i < 0 {
			return
		}
		s.history = slices.Delete(s.history, i, i+1)
	}
}

func oldestEvictable(history []domain.ProgressEvent) int {
	firstStep := -1
	for i, ev := range history {
		stage := ev.Stage()
		if stage == domain.StageScriptOutput {
			return i
		}
		if firstStep < 0 && !stage.Terminal() {
			firstStep = i
		}
	}
	return firstStep
}

// Subscribe replays the tracking id's history to sink and then registers it
// for live events, with no gap or duplicate between the two. If the stream
// has already ended, the returned subscription is done after the replay.
func (b *Broadcaster) Subscribe(ctx context.Context, trackingID string, sink domain.ProgressSink) (domain.ProgressSubscription, error) {
	sub, err := b.subscribe(ctx, trackingID, sink)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Broadcaster) subscribe(ctx context.Context, trackingID string, sink domain.ProgressSink) (*Subscription, error) {
	if sink == nil {
		return nil, domain.NewSubSystemError(subsystem, "Broadcaster.Subscribe", domain.ErrInvalidInput, "sink is required")
	}
	b.mu.RLock()
	s, ok := b.streams[trackingID]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "Broadcaster.Subscribe", domain.ErrNotFound, trackingID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, domain.NewSubSystemError(subsystem, "Broadcaster.Subscribe", domain.ErrNotFound, trackingID)
	}

	sub := &Subscription{
		id:         b.nextID.Add(1),
		trackingID: trackingID,
		sink:       sink,
		createdAt:  b.now(),
		done:       make(chan struct{}),
		stream:     s,
	}
	for _, ev := range s.history {
		if err := sink.Send(ctx, ev); err != nil {
			sub.end(err)
			b.logger.Warn("progress replay failed",
				"tracking_id", trackingID,
				"sequence", ev.Sequence,
				"error", err,
			)
			return nil, domain.WrapOp("Broadcaster.Subscribe", err)
		}
	}
	if s.terminal {
		sub.end(nil)
		return sub, nil
	}
	s.subs[sub.id] = sub
	b.logger.Debug("progress subscriber added", "tracking_id", trackingID, "subscription_id", sub.id, "replayed", len(s.history))
	return sub, nil
}

// Unsubscribe removes the subscription. It is idempotent and must not be
// called from inside the subscription's own Send.
func (b *Broadcaster) Unsubscribe(sub domain.ProgressSubscription) {
	ps, ok := sub.(*Subscription)
	if !ok || ps == nil {
		return
	}
	ps.end(nil)
	s := ps.stream
	s.mu.Lock()
	if _, ok := s.subs[ps.id]; ok {
		delete(s.subs, ps.id)
		s.lastActivity = b.now()
	}
	s.mu.Unlock()
}

// History returns a copy of the tracking id's retained events.
func (b *Broadcaster) History(trackingID string) ([]domain.ProgressEvent, error) {
	b.mu.RLock()
	s, ok := b.streams[trackingID]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "Broadcaster.History", domain.ErrNotFound, trackingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, domain.NewSubSystemError(subsystem, "Broadcaster.History", domain.ErrNotFound, trackingID)
	}
	out := make([]domain.ProgressEvent, len(s.history))
	copy(out, s.history)
	return out, nil
}

// Subscribers returns the number of live subscriptions on trackingID.
func (b *Broadcaster) Subscribers(trackingID string) int {
	b.mu.RLock()
	s, ok := b.streams[trackingID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Stop ends the retention loop and every live subscription. Stop is idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.loopDone

	b.mu.RLock()
	streams := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.RUnlock()

	for _, s := range streams {
		s.mu.Lock()
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.end(nil)
		}
		s.mu.Unlock()
	}
}

func (b *Broadcaster) getOrCreate(trackingID string) *stream {
	b.mu.RLock()
	s, ok := b.streams[trackingID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[trackingID]; ok {
		return s
	}
	s = &stream{
		trackingID:   trackingID,
		subs:         make(map[uint64]*Subscription),
		lastActivity: b.now(),
	}
	b.streams[trackingID] = s
	return s
}

func (b *Broadcaster) retentionLoop() {
	defer close(b.loopDone)
	ticker := time.NewTicker(b.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep(b.now())
		}
	}
}

// sweep discards streams past their retention and returns how many it removed.
// Streams busy delivering are skipped until the next tick, and b.mu is never
// held while waiting on a stream.
func (b *Broadcaster) sweep(now time.Time) int {
	b.mu.RLock()
	candidates := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		candidates = append(candidates, s)
	}
	b.mu.RUnlock()

	removed := 0
	for _, s := range candidates {
		if !s.mu.TryLock() {
			continue
		}
		expired := !s.removed && len(s.subs) == 0 &&
			((s.terminal && now.Sub(s.terminalAt) > b.config.HistoryTTL) ||
				(!s.terminal && now.Sub(s.lastActivity) > b.config.StaleTTL))
		if expired {
			s.removed = true
		}
		s.mu.Unlock()
		if expired {
			b.forget(s)
			removed++
			b.logger.Debug("progress history discarded", "tracking_id", s.trackingID)
		}
	}
	return removed
}

// forget deletes a removed stream from the index unless it was already replaced.
func (b *Broadcaster) forget(s *stream) {
	b.mu.Lock()
	if b.streams[s.trackingID] == s {
		delete(b.streams, s.trackingID)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) emit(ctx context.Context, eventType domain.EventType, ev domain.ProgressEvent, reason string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(ctx, domain.NewEvent(eventType, "", domain.ProgressEventPayload{
		TrackingID: ev.TrackingID,
		Stage:      ev.Stage(),
		Sequence:   ev.Sequence,
		Reason:     reason,
	}))
}

var _ domain.ProgressBroadcaster = (*Broadcaster)(nil)
