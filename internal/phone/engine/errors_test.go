package engine

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("answer", nil))

	err := Wrap("answer", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrFailure)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.EqualError(t, err, "engine answer: unexpected EOF")

	var engErr *Error
	assert.True(t, errors.As(err, &engErr))
	assert.Equal(t, "answer", engErr.Op)
}

func TestInvStateString(t *testing.T) {
	assert.Equal(t, "CONFIRMED", InvConfirmed.String())
	assert.Equal(t, "UNKNOWN", InvState(42).String())
}
