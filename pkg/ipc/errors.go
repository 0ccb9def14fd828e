package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode indicates a frame that is not a valid protocol message.
	// Decode errors are local to one frame; the channel stays usable.
	ErrDecode = errors.New("ipc: malformed frame")

	// ErrFrameTooLarge indicates a frame longer than the reader's limit.
	ErrFrameTooLarge = errors.New("ipc: frame too large")

	errInvalidEnvelope = errors.New("neither request, response, nor event")
)

// DecodeError is returned by Reader.ReadMessage for a frame that could not
// be decoded. It wraps ErrDecode so that errors.Is(err, ErrDecode) works.
type DecodeError struct {
	// Frame is a truncated copy of the offending line, for logging.
	Frame string
	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", ErrDecode.Error(), e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
