package engine

import (
	"errors"
	"fmt"
)

// ErrFailure matches every error surfaced by an engine command.
var ErrFailure = errors.New("engine failure")

// Error wraps a lower-level engine error with the command that produced it.
type Error struct {
	Op  string
	Err error
}

// Wrap returns nil when err is nil, otherwise an *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFailure) true for every *Error.
func (e *Error) Is(target error) bool {
	return target == ErrFailure
}
