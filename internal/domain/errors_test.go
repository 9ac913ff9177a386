package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Manager.Start", ErrInvalidInput, "script is empty")
	want := "Manager.Start: script is empty: invalid input"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Manager.Abort", ErrNotFound, "")
	want := "Manager.Abort: not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Broadcaster.Publish", ErrInvalidState, "ended")
	if !errors.Is(err, ErrInvalidState) {
		t.Error("errors.Is should match ErrInvalidState")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("handler: %w", NewDomainError("Inventory.Resolve", ErrNotFound, "vm-9"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Inventory.Resolve" {
		t.Errorf("Op = %q, want %q", de.Op, "Inventory.Resolve")
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_CategorySentinelDirect(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCodeOf(ErrNotFound))
	assert.Equal(t, CodeTimeout, ErrorCodeOf(ErrTimeout))
	assert.Equal(t, CodeExecutorFailure, ErrorCodeOf(ErrExecutorFailure))
	assert.Equal(t, CodeChannelBusy, ErrorCodeOf(ErrChannelBusy))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrFrameInvalid)
	assert.Equal(t, CodeFrameInvalid, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("execution", "Manager.Get", ErrNotFound, "01J0ABC")
	// SubSystem is metadata, not included in Error() output.
	assert.Equal(t, "Manager.Get: 01J0ABC: not found", err.Error())
	assert.Equal(t, "execution", err.SubSystem)
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"execution", ErrNotFound, CodeSessionNotFound},
		{"execution", ErrTimeout, CodeExecutionTimeout},
		{"execution", ErrLimitReached, CodeSessionLimit},
		{"execution", ErrInvalidInput, CodeExecutionInvalid},
		{"progress", ErrNotFound, CodeTrackingNotFound},
		{"progress", ErrInvalidState, CodeProgressTerminal},
		{"inventory", ErrNotFound, CodeVMNotFound},
		{"inventory", ErrLimitReached, CodePoolExhausted},
		{"provision", ErrTimeout, CodeProvisionTimeout},
		{"ssh", ErrExecutorFailure, CodeHostUnreachable},
		// Unknown subsystem falls back to the category code.
		{"unknown-subsystem", ErrNotFound, CodeNotFound},
		{"execution", ErrAuthInvalid, CodeAuthInvalid},
	}
	for _, tt := range tests {
		err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "")
		assert.Equal(t, tt.want, ErrorCodeOf(err), "%s/%v", tt.subsystem, tt.sentinel)
		assert.Equal(t, tt.want, ErrorCodeOf(WrapOp("outer", err)), "wrapped %s/%v", tt.subsystem, tt.sentinel)
	}
}

func TestAuthSentinel_GatewayWrapsAuthInvalid(t *testing.T) {
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrAuthInvalid))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(fmt.Errorf("ws: %w", ErrGatewayAuthFailed)))
	assert.Equal(t, CodeAuthInvalid, ErrorCodeOf(fmt.Errorf("ws: %w", ErrAuthInvalid)))
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrExecutorFailure)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: executor failure", outer.Error())
	assert.True(t, errors.Is(outer, ErrExecutorFailure))
}

func TestIsRequestError(t *testing.T) {
	assert.True(t, IsRequestError(NewSubSystemError("execution", "Start", ErrInvalidInput, "")))
	assert.True(t, IsRequestError(WrapOp("x", ErrNotFound)))
	assert.True(t, IsRequestError(ErrGatewayAuthFailed))
	assert.True(t, IsRequestError(ErrFrameInvalid))
	assert.False(t, IsRequestError(ErrExecutorFailure))
	assert.False(t, IsRequestError(ErrTimeout))
	assert.False(t, IsRequestError(nil))
}
