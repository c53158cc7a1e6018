package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_ErrorAndUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := NewUnavailable("listen stream failed").WithCause(cause)

	assert.Contains(t, err.Error(), "UNAVAILABLE")
	assert.Contains(t, err.Error(), "socket closed")
	assert.True(t, stderrors.Is(err, cause))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeInvalidArgument, CodeOf(NewInvalidArgument("bad field path")))
	assert.Equal(t, CodeUnknown, CodeOf(stderrors.New("plain")))
	assert.Equal(t, CodeFailedPrecondition, CodeOf(fmt.Errorf("wrapped: %w", ErrLostPrimaryLease)))

	wrapped := fmt.Errorf("outer: %w", NewAborted("stale stream token"))
	assert.Equal(t, CodeAborted, CodeOf(wrapped))
}

func TestIsPermanentError(t *testing.T) {
	retryable := []Code{
		CodeCancelled, CodeUnknown, CodeDeadlineExceeded, CodeResourceExhausted,
		CodeInternal, CodeUnavailable, CodeUnauthenticated, CodeAborted,
		CodeStorageUnavailable,
	}
	for _, c := range retryable {
		assert.False(t, IsPermanentError(New(c, "x")), "code %s should be retryable", c)
	}

	permanent := []Code{
		CodeInvalidArgument, CodeNotFound, CodeAlreadyExists, CodePermissionDenied,
		CodeFailedPrecondition, CodeOutOfRange, CodeUnimplemented, CodeDataLoss,
	}
	for _, c := range permanent {
		assert.True(t, IsPermanentError(New(c, "x")), "code %s should be permanent", c)
	}
}

func TestIsPermanentWriteError_AbortedIsPermanent(t *testing.T) {
	// Aborted is retryable only for the write handshake; the pipeline treats
	// it as permanent.
	assert.False(t, IsPermanentError(New(CodeAborted, "x")))
	assert.False(t, IsPermanentWriteError(New(CodeAborted, "x")))
	assert.True(t, IsPermanentWriteError(New(CodePermissionDenied, "x")))
}

func TestRequiresTokenRefresh(t *testing.T) {
	assert.True(t, RequiresTokenRefresh(New(CodeUnauthenticated, "expired")))
	assert.False(t, RequiresTokenRefresh(New(CodeUnavailable, "down")))
}

func TestStorageUnavailable(t *testing.T) {
	cause := stderrors.New("kv store closed")
	err := NewStorageUnavailable(cause)
	require.True(t, IsStorageUnavailable(err))
	assert.True(t, stderrors.Is(err, cause))
	assert.False(t, IsStorageUnavailable(NewUnavailable("net")))
}

func TestFromServerStatus(t *testing.T) {
	assert.Nil(t, FromServerStatus("OK", ""))

	err := FromServerStatus("PERMISSION_DENIED", "no access")
	require.NotNil(t, err)
	assert.Equal(t, CodePermissionDenied, err.Code)
	assert.Equal(t, "no access", err.Message)

	unknown := FromServerStatus("SOMETHING_ELSE", "weird")
	require.NotNil(t, unknown)
	assert.Equal(t, CodeUnknown, unknown.Code)
	assert.Equal(t, "SOMETHING_ELSE", unknown.Details["server_code"])
}
