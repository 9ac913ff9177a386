package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stage is an enumerated step of a provisioning workflow.
type Stage string

const (
	StagePreparing    Stage = "preparing"
	StageCreating     Stage = "creating"
	StageConfiguring  Stage = "configuring"
	StageInstalling   Stage = "installing"
	StageFinalizing   Stage = "finalizing"
	StageScriptOutput Stage = "script-output"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

// Terminal reports whether an event with this stage ends its stream.
func (s Stage) Terminal() bool { return s == StageComplete || s == StageError }

// IsStep reports whether s is one of the ordinary workflow steps.
func (s Stage) IsStep() bool {
	switch s {
	case StagePreparing, StageCreating, StageConfiguring, StageInstalling, StageFinalizing:
		return true
	}
	return false
}

// ProgressPayload is the stage-specific body of a ProgressEvent. Each
// implementation carries exactly the fields valid for its stage.
type ProgressPayload interface {
	Stage() Stage
	Validate() error
	isProgressPayload()
}

// StepEvent reports entry into or progress within an ordinary workflow step.
type StepEvent struct {
	Step    Stage
	Message string
	Detail  string
	Percent int
}

func (e StepEvent) Stage() Stage { return e.Step }

func (e StepEvent) Validate() error {
	if !e.Step.IsStep() {
		return fmt.Errorf("%w: %q is not a workflow step", ErrInvalidInput, e.Step)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("%w: percent %d out of range", ErrInvalidInput, e.Percent)
	}
	return nil
}

// ScriptOutputEvent carries one chunk of init-script output.
type ScriptOutputEvent struct {
	Message string
	Chunk   OutputChunk
}

func (ScriptOutputEvent) Stage() Stage { return StageScriptOutput }

func (e ScriptOutputEvent) Validate() error {
	if e.Chunk.Stream != StreamStdout && e.Chunk.Stream != StreamStderr {
		return fmt.Errorf("%w: unknown stream %q", ErrInvalidInput, e.Chunk.Stream)
	}
	return nil
}

// CompleteEvent is the successful terminal event; ResultID names the created resource.
type CompleteEvent struct {
	Message  string
	ResultID string
}

func (CompleteEvent) Stage() Stage { return StageComplete }

func (e CompleteEvent) Validate() error {
	if e.ResultID == "" {
		return fmt.Errorf("%w: complete event requires a result id", ErrInvalidInput)
	}
	return nil
}

// ErrorEvent is the failed terminal event.
type ErrorEvent struct {
	Message string
	Error   string
}

func (ErrorEvent) Stage() Stage { return StageError }

func (e ErrorEvent) Validate() error {
	if e.Error == "" {
		return fmt.Errorf("%w: error event requires an error", ErrInvalidInput)
	}
	return nil
}

func (StepEvent) isProgressPayload()         {}
func (ScriptOutputEvent) isProgressPayload() {}
func (CompleteEvent) isProgressPayload()     {}
func (ErrorEvent) isProgressPayload()        {}

// ProgressEvent is one published step of a tracked workflow. Sequence,
// Timestamp and Percent are assigned by the broadcaster.
type ProgressEvent struct {
	TrackingID string
	Sequence   uint64
	Timestamp  time.Time
	Percent    int
	Payload    ProgressPayload
}

// Stage returns the stage of the event's payload.
func (e ProgressEvent) Stage() Stage {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Stage()
}

// Message returns the human-readable message carried by the payload.
func (e ProgressEvent) Message() string {
	switch p := e.Payload.(type) {
	case StepEvent:
		return p.Message
	case ScriptOutputEvent:
		return p.Message
	case CompleteEvent:
		return p.Message
	case ErrorEvent:
		return p.Message
	}
	return ""
}

type progressWire struct {
	TrackingID   string       `json:"trackingId"`
	Sequence     uint64       `json:"sequence"`
	Stage        Stage        `json:"stage"`
	Message      string       `json:"message"`
	Detail       string       `json:"detail,omitempty"`
	Progress     int          `json:"progress"`
	Timestamp    time.Time    `json:"timestamp"`
	Error        string       `json:"error,omitempty"`
	ScriptOutput *OutputChunk `json:"scriptOutput,omitempty"`
	ResultID     string       `json:"resultId,omitempty"`
}

// MarshalJSON flattens the payload into the wire shape sent to dashboards.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	w := progressWire{
		TrackingID: e.TrackingID,
		Sequence:   e.Sequence,
		Stage:      e.Stage(),
		Message:    e.Message(),
		Progress:   e.Percent,
		Timestamp:  e.Timestamp,
	}
	switch p := e.Payload.(type) {
	case StepEvent:
		w.Detail = p.Detail
	case ScriptOutputEvent:
		chunk := p.Chunk
		w.ScriptOutput = &chunk
	case CompleteEvent:
		w.ResultID = p.ResultID
	case ErrorEvent:
		w.Error = p.Error
	default:
		return nil, fmt.Errorf("%w: progress event has no payload", ErrInvalidInput)
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the stage-specific payload from the wire shape.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var w progressWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var payload ProgressPayload
	switch {
	case w.Stage.IsStep():
		payload = StepEvent{Step: w.Stage, Message: w.Message, Detail: w.Detail, Percent: w.Progress}
	case w.Stage == StageScriptOutput:
		se := ScriptOutputEvent{Message: w.Message}
		if w.ScriptOutput != nil {
			se.Chunk = *w.ScriptOutput
		}
		payload = se
	case w.Stage == StageComplete:
		payload = CompleteEvent{Message: w.Message, ResultID: w.ResultID}
	case w.Stage == StageError:
		payload = ErrorEvent{Message: w.Message, Error: w.Error}
	default:
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, w.Stage)
	}
	*e = ProgressEvent{
		TrackingID: w.TrackingID,
		Sequence:   w.Sequence,
		Timestamp:  w.Timestamp,
		Percent:    w.Progress,
		Payload:    payload,
	}
	return nil
}

// ProgressSink receives events for one subscription. Send must not block
// indefinitely; a returned error drops the subscription.
type ProgressSink interface {
	Send(ctx context.Context, event ProgressEvent) error
}

// ProgressBroadcaster fans progress events out to subscribers with history replay.
type ProgressBroadcaster interface {
	Publish(ctx context.Context, trackingID string, payload ProgressPayload) (ProgressEvent, error)
	Subscribe(ctx context.Context, trackingID string, sink ProgressSink) (ProgressSubscription, error)
	Unsubscribe(sub ProgressSubscription)
	History(trackingID string) ([]ProgressEvent, error)
}

// ProgressSubscription is the handle returned by Subscribe.
type ProgressSubscription interface {
	TrackingID() string
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
}
