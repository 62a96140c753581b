package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	base := NotFound("message not found")
	wrapped := fmt.Errorf("delete message: %w", base)

	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeNotFound))
	assert.False(t, Is(wrapped, CodePermissionDenied))
	assert.True(t, IsCoded(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, CodeUnknown, CodeOf(err))
	assert.False(t, IsCoded(err))
	assert.False(t, Is(nil, CodeUnknown))
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Transient("send message", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "send message: database is locked", err.Error())
	assert.Equal(t, CodeTransient, CodeOf(err))
}
