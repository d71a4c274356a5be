package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_FormatsTypeContextAndCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(cause, ErrConnection, "channel unavailable").
		WithContext("attempt", 3).
		WithContext("transport", "sse")

	assert.Equal(t,
		"[Connection] channel unavailable | context: attempt=3, transport=sse | cause: dial tcp: refused",
		err.Error())
	assert.Equal(t, "channel unavailable", err.UserMessage())
	assert.ErrorIs(t, err, cause)
}

func TestIsErrorType_ThroughWrapping(t *testing.T) {
	base := New(ErrSubmission, "server rejected job")
	wrapped := fmt.Errorf("submit: %w", base)

	assert.True(t, IsErrorType(wrapped, ErrSubmission))
	assert.False(t, IsErrorType(wrapped, ErrCancellation))
	assert.False(t, IsErrorType(errors.New("plain"), ErrSubmission))
	assert.Equal(t, ErrSubmission, TypeOf(wrapped))
	assert.Equal(t, ErrUnknown, TypeOf(errors.New("plain")))
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "Cancellation", ErrCancellation.String())
	assert.Equal(t, "Protocol", ErrProtocol.String())
	assert.Equal(t, "Unknown", ErrorType(99).String())
}
