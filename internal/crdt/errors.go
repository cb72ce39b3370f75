package crdt

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownContainer = errors.New("unknown container")
	ErrKindMismatch     = errors.New("container kind mismatch")
	ErrIndexOutOfRange  = errors.New("index out of range")
	ErrNotRecord        = errors.New("element is not a record")
	ErrNoElement        = errors.New("element does not exist")
)

// DecodeError reports a malformed update or state vector. A document that
// returns a DecodeError from ApplyUpdate is left unmodified.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crdt: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("crdt: decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}
