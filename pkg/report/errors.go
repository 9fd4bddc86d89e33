package report

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by Sync when no server address is set
	ErrNotConfigured = errors.New("reporter: server address not configured")

	// ErrTransport matches every *TransportError via errors.Is
	ErrTransport = errors.New("reporter: transport failure")
)

// StatusError is returned by HTTPTransport for a non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.Code)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.Code, e.Body)
}

// TransportError describes a failed batch transmission. The queue is left
// untouched when Sync returns one.
type TransportError struct {
	Server  string
	Records int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sync %d records to %s: %v", e.Records, e.Server, e.Err)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransport as a match
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
