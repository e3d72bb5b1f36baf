package transfer

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidID     = errors.New("invalid transfer id")
	ErrNotFound      = errors.New("transfer not found")
	ErrExpired       = errors.New("transfer expired")
	ErrTooLarge      = errors.New("payload too large")
	ErrBlobStore     = errors.New("blob store failure")
	ErrMetadataStore = errors.New("metadata store failure")
	ErrPartialUpload = errors.New("partial upload failure")
	// ErrStream marks failures after response bytes were sent.
	ErrStream = errors.New("stream failure")
)

// Error carries a kind, the operation that failed and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// AfterOutput reports whether err happened once the response had started.
func AfterOutput(err error) bool {
	return errors.Is(err, ErrStream)
}
