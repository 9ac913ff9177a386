package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Execution lifecycle events.
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionAborted   EventType = "execution.aborted"
	EventExecutionExpired   EventType = "execution.expired"

	// Progress stream events.
	EventProgressPublished EventType = "progress.published"
	EventProgressTerminal  EventType = "progress.terminal"
	EventProgressDropped   EventType = "progress.subscriber_dropped"

	// Transport channel events.
	EventChannelOpened EventType = "channel.opened"
	EventChannelClosed EventType = "channel.closed"

	// Provisioning workflow events.
	EventProvisionStarted   EventType = "provision.started"
	EventProvisionCompleted EventType = "provision.completed"
	EventProvisionFailed    EventType = "provision.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ExecutionEventPayload is the payload of execution.* events.
type ExecutionEventPayload struct {
	SessionID string          `json:"session_id"`
	VMID      string          `json:"vm_id"`
	Status    ExecutionStatus `json:"status"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	ErrorCode ErrorCode       `json:"error_code,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

// ProgressEventPayload is the payload of progress.* events.
type ProgressEventPayload struct {
	TrackingID string `json:"tracking_id"`
	Stage      Stage  `json:"stage"`
	Sequence   uint64 `json:"sequence"`
	Reason     string `json:"reason,omitempty"`
}

// ChannelEventPayload is the payload of channel.* events.
type ChannelEventPayload struct {
	ChannelID string        `json:"channel_id"`
	Kind      string        `json:"kind"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// ProvisionEventPayload is the payload of provision.* events.
type ProvisionEventPayload struct {
	TrackingID string        `json:"tracking_id"`
	VMID       string        `json:"vm_id,omitempty"`
	Pool       string        `json:"pool,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. A payload that cannot
// be encoded is omitted.
func NewEvent(typ EventType, sessionID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), SessionID: sessionID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
