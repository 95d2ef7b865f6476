// Package backend provides the swappable local inference providers behind
// enrichment. A Backend turns one prompt into one response; it knows nothing
// about entries, caching, or fan-out.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrUnavailable is returned when the provider cannot serve requests at
	// all: server not running, binary or model file missing.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidResponse is returned when the provider answered but the
	// response carried no usable text.
	ErrInvalidResponse = errors.New("invalid backend response")

	// ErrTimeout is returned when a request exceeded the backend's own
	// timeout. No other layer applies timeouts.
	ErrTimeout = errors.New("backend request timed out")
)

// TransportError wraps a lower-level transport failure with the operation
// that produced it. Callers can use errors.As to recover the detail.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// Backend is one local text-generation provider. Generate blocks until the
// provider answers or its own timeout fires; both implementations bound every
// call with a per-request deadline.
type Backend interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// ImageDescriber is an optional capability for backends that can caption
// images. Discovered by type assertion; backends without it simply never
// receive image work.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)
}
