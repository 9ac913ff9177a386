package gateway

import (
	"vmrelay/internal/domain"
)

// FrameType identifies the kind of frame sent over a channel.
type FrameType string

// Frames sent by clients.
const (
	FrameRun       FrameType = "run"
	FrameAbort     FrameType = "abort"
	FrameSubscribe FrameType = "subscribe"
	FramePing      FrameType = "ping"
)

// Frames sent by the server.
const (
	FrameConnected FrameType = "connected"
	FrameOutput    FrameType = "output"
	FrameComplete  FrameType = "complete"
	FrameProgress  FrameType = "progress"
	FrameError     FrameType = "error"
	FramePong      FrameType = "pong"
)

// ClientFrame is an inbound frame. A frame with no type but a script is
// treated as a run request.
type ClientFrame struct {
	Type           FrameType `json:"type"`
	Script         string    `json:"script,omitempty"`
	Timeout        int       `json:"timeout,omitempty"`
	TimeoutSeconds int       `json:"timeoutSeconds,omitempty"` // alias for timeout
	SessionID      string    `json:"sessionId,omitempty"`
	TrackingID     string    `json:"trackingId,omitempty"`
}

func (f ClientFrame) kind() FrameType {
	if f.Type == "" && f.Script != "" {
		return FrameRun
	}
	return f.Type
}

func (f ClientFrame) timeout() int {
	if f.Timeout != 0 {
		return f.Timeout
	}
	return f.TimeoutSeconds
}

// Frame is an outbound frame. Data holds the output text, the progress event,
// or the error message depending on Type.
type Frame struct {
	Type       FrameType              `json:"type"`
	SessionID  string                 `json:"sessionId,omitempty"`
	TrackingID string                 `json:"trackingId,omitempty"`
	VMID       string                 `json:"vmId,omitempty"`
	Stream     domain.OutputStream    `json:"stream,omitempty"`
	Sequence   uint64                 `json:"sequence,omitempty"`
	Status     domain.ExecutionStatus `json:"status,omitempty"`
	ExitCode   *int                   `json:"exitCode,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Code       domain.ErrorCode       `json:"code,omitempty"`
	Data       any                    `json:"data,omitempty"`
}

func outputFrame(c domain.OutputChunk) Frame {
	return Frame{
		Type:      FrameOutput,
		SessionID: c.SessionID,
		Stream:    c.Stream,
		Sequence:  c.Sequence,
		Data:      c.Data,
	}
}

func completeFrame(s *domain.ExecutionSession) Frame {
	return Frame{
		Type:      FrameComplete,
		SessionID: s.ID,
		Status:    s.Status,
		ExitCode:  s.ExitCode,
		Error:     s.Error,
		Code:      s.ErrorCode,
	}
}

func progressFrame(ev domain.ProgressEvent) Frame {
	return Frame{Type: FrameProgress, TrackingID: ev.TrackingID, Data: ev}
}

func errorFrame(err error) Frame {
	f := Frame{Type: FrameError, Data: err.Error()}
	if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
		f.Code = code
	}
	return f
}
