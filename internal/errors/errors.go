// Package errors defines the substrate's error taxonomy. Every terminal
// failure a caller can observe maps onto one of the base sentinels so call
// sites branch with errors.Is instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
	ErrChildExitedBeforeReady  = errors.New("child exited before ready")
	ErrRequestTimeout          = errors.New("request timeout")
	ErrChildCrashed            = errors.New("child crashed")
	ErrChildExited             = errors.New("child exited")
	ErrUnknownReference        = errors.New("unknown secret reference")
	ErrUnknownAdapterType      = errors.New("unknown adapter type")
	ErrExecuteFailed           = errors.New("execute failed")
	ErrNotRunning              = errors.New("adapter not running")
	ErrNotFound                = errors.New("not found")
)

// Kind categorizes an adapter error for health reporting and metrics labels.
type Kind string

const (
	KindProtocol  Kind = "protocol"
	KindLifecycle Kind = "lifecycle"
	KindTimeout   Kind = "timeout"
	KindSecret    Kind = "secret"
	KindRegistry  Kind = "registry"
	KindAdapter   Kind = "adapter"
)

// AdapterError is a structured error for adapter operations.
type AdapterError struct {
	Kind      Kind
	Op        string // operation that failed ("start", "observe", "pair", ...)
	AdapterID string
	Err       error
	Timestamp time.Time
}

func (e *AdapterError) Error() string {
	if e.AdapterID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.AdapterID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Wrap builds an AdapterError around err, preserving it for errors.Is checks.
func Wrap(kind Kind, op, adapterID string, err error) *AdapterError {
	return &AdapterError{
		Kind:      kind,
		Op:        op,
		AdapterID: adapterID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Timeoutf returns a RequestTimeout error annotated with the operation and
// its budget.
func Timeoutf(op string, budget time.Duration) error {
	return fmt.Errorf("%s exceeded %s budget: %w", op, budget, ErrRequestTimeout)
}

// IsTimeout reports whether err terminated on a request deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

// IsRetryable reports whether the supervisor restart loop should keep trying
// after err. Version mismatches and unknown types/references are permanent;
// crashes and timeouts are not.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrProtocolVersionMismatch),
		errors.Is(err, ErrUnknownAdapterType),
		errors.Is(err, ErrUnknownReference):
		return false
	}
	return true
}
