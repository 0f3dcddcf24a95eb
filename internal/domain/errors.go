package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUnknownJobType     = errors.New("unknown job type")
	ErrLeaseExpired       = errors.New("lease expired")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrPermanentFailure   = errors.New("permanent failure")
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate")
	ErrLeaseLost          = errors.New("lease lost")
	ErrPoolAtCapacity     = errors.New("pool at capacity")
	ErrWriteFrozen        = errors.New("writes frozen")
	ErrInvalidConcurrency = errors.New("invalid concurrency")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// HandlerError is a failure reported by (or inferred from) a job handler. It is
// always retryable through the retry/DLQ state machine.
type HandlerError struct {
	Topic string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// StoreError marks a dependency outage, as opposed to a constraint or state conflict.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }
