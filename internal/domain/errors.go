package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve a
// subsystem-specific code.
var (
	ErrNotFound        = fmt.Errorf("not found")
	ErrDuplicate       = fmt.Errorf("duplicate")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrLimitReached    = fmt.Errorf("limit reached")
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrInvalidState    = fmt.Errorf("invalid state")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrExecutorFailure = fmt.Errorf("executor failure")
)

// Gateway sentinels.
var (
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrFrameInvalid      = fmt.Errorf("frame payload invalid")
	ErrChannelBusy       = fmt.Errorf("channel already has an active stream")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Manager.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "execution", "progress"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category sent to clients and used in metrics labels.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	// Category codes, used when no subsystem-specific code matches.
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeDuplicate       ErrorCode = "DUPLICATE"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeLimitReached    ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeExecutorFailure ErrorCode = "EXECUTOR_FAILURE"

	CodeGatewayAuth  ErrorCode = "GATEWAY_AUTH"
	CodeFrameInvalid ErrorCode = "FRAME_INVALID"
	CodeChannelBusy  ErrorCode = "CHANNEL_BUSY"

	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimit     ErrorCode = "SESSION_LIMIT"
	CodeExecutionTimeout ErrorCode = "EXECUTION_TIMEOUT"
	CodeTrackingNotFound ErrorCode = "TRACKING_NOT_FOUND"
	CodeProgressTerminal ErrorCode = "PROGRESS_TERMINAL"
	CodeVMNotFound       ErrorCode = "VM_NOT_FOUND"
	CodePoolExhausted    ErrorCode = "POOL_EXHAUSTED"
	CodeProvisionTimeout ErrorCode = "PROVISION_TIMEOUT"
	CodeHostUnreachable  ErrorCode = "HOST_UNREACHABLE"
	CodeProvisionInvalid ErrorCode = "PROVISION_INVALID"
	CodeExecutionInvalid ErrorCode = "EXECUTION_INVALID"
	CodeProgressInvalid  ErrorCode = "PROGRESS_INVALID"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrDuplicate:       CodeDuplicate,
	ErrTimeout:         CodeTimeout,
	ErrLimitReached:    CodeLimitReached,
	ErrInvalidInput:    CodeInvalidInput,
	ErrInvalidState:    CodeInvalidState,
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrExecutorFailure: CodeExecutorFailure,

	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrFrameInvalid:      CodeFrameInvalid,
	ErrChannelBusy:       CodeChannelBusy,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"execution": CodeSessionNotFound,
		"progress":  CodeTrackingNotFound,
		"inventory": CodeVMNotFound,
	},
	ErrTimeout: {
		"execution": CodeExecutionTimeout,
		"provision": CodeProvisionTimeout,
	},
	ErrLimitReached: {
		"execution": CodeSessionLimit,
		"inventory": CodePoolExhausted,
	},
	ErrInvalidState: {
		"progress": CodeProgressTerminal,
	},
	ErrInvalidInput: {
		"execution": CodeExecutionInvalid,
		"progress":  CodeProgressInvalid,
		"provision": CodeProvisionInvalid,
	},
	ErrExecutorFailure: {
		"ssh": CodeHostUnreachable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for err.
// DomainErrors with a SubSystem resolve through subSystemCodeMap first.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Gateway sentinels wrap categories, so check them before the categories.
	for _, sentinel := range []error{ErrGatewayAuthFailed, ErrFrameInvalid, ErrChannelBusy} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// IsRequestError reports whether err is the caller's fault (bad input, unknown id,
// bad credentials) rather than a failure of the system.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAuthInvalid) ||
		errors.Is(err, ErrFrameInvalid)
}
