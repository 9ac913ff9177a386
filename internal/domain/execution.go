package domain

import (
	"context"
	"io"
	"time"
)

// ExecutionStatus represents the lifecycle state of a remote script execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// Terminal reports whether s is an absorbing state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusAborted
}

// Exit codes recorded for sessions that did not end with a process exit status.
const (
	ExitCodeExecutorFailure = -1
	ExitCodeTimeout         = 124
	ExitCodeAborted         = 130
)

// ExecutionSession is one tracked remote script run.
type ExecutionSession struct {
	ID             string          `json:"sessionId"`
	VMID           string          `json:"vmId"`
	Script         string          `json:"script"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
	Status         ExecutionStatus `json:"status"`
	ExitCode       *int            `json:"exitCode,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      ErrorCode       `json:"errorCode,omitempty"`
	Caller         string          `json:"caller,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// OutputStream names the process stream a chunk came from.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// OutputChunk is a fragment of stdout or stderr belonging to a session.
// Sequence starts at 1 and increases by one per chunk within a session.
type OutputChunk struct {
	SessionID string       `json:"sessionId"`
	Stream    OutputStream `json:"stream"`
	Data      string       `json:"data"`
	Sequence  uint64       `json:"sequence"`
}

// ExecutionRequest is an accepted run request, before a session id is assigned.
type ExecutionRequest struct {
	VM             VMTarget
	Script         string
	TimeoutSeconds int
	Caller         string
}

// VMTarget is everything an executor needs to reach a managed VM.
type VMTarget struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
	Pool string `json:"pool,omitempty"`
}

// RemoteExecutor runs a script on a VM. Output is written to stdout and stderr
// as it is produced. Cancelling ctx terminates the remote process. The returned
// exit code is meaningful only when err is nil.
type RemoteExecutor interface {
	Run(ctx context.Context, target VMTarget, script string, stdout, stderr io.Writer) (int, error)
}

// VMResolver looks up the execution target for a VM id.
type VMResolver interface {
	Resolve(ctx context.Context, vmID string) (*VMTarget, error)
}

// VMSpec describes a VM the provisioning workflow should create.
type VMSpec struct {
	Name           string `json:"name"`
	Pool           string `json:"pool"`
	InitScript     string `json:"initScript,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
}

// VMProvider creates VMs and reports when they are reachable.
type VMProvider interface {
	CreateVM(ctx context.Context, spec VMSpec) (*VMTarget, error)
	WaitReady(ctx context.Context, vm VMTarget) error
}

// ExecutionOutput is a polling snapshot of a session's retained output.
// Truncated is true when chunks after the requested sequence were evicted.
type ExecutionOutput struct {
	SessionID string          `json:"sessionId"`
	Status    ExecutionStatus `json:"status"`
	Chunks    []OutputChunk   `json:"chunks"`
	Truncated bool            `json:"truncated,omitempty"`
}
