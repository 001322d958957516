package tilemap

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Core.
	ErrClosed = errors.New("tilemap: closed")

	// ErrNoSource is returned by New when no tile source is configured.
	ErrNoSource = errors.New("tilemap: no tile source configured")

	// ErrNoParser is returned by New when no bucket parser is configured.
	ErrNoParser = errors.New("tilemap: no bucket parser configured")
)

// ErrInvalidOption indicates a constructor option with an out-of-range value.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidOption struct {
	Option string
	Value  any
	cause  error
}

func (e *ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option %s: %v", e.Option, e.Value)
}

func (e *ErrInvalidOption) Unwrap() error { return e.cause }
