package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks configuration errors. They abort an evaluation
	// before any per-user work is done.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCommandFailed is returned when an external accounting command or
	// query fails.
	ErrCommandFailed = errors.New("external command failed")

	// ErrMalformedData is returned when external job data does not fit the
	// JobRecord shape.
	ErrMalformedData = errors.New("malformed job data")
)

// SourceError reports a failed job record fetch. A cycle that hits one
// produces no partial results.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("job source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
