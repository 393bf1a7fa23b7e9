package pool

import (
	"context"
	"errors"
	"fmt"
)

// PoolError represents a structured error from the pool
type PoolError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *PoolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, enabling errors.Is and errors.As
func (e *PoolError) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrTimeout = &PoolError{
		Code:    "TIMEOUT",
		Message: "work item timed out",
	}

	ErrShutdown = &PoolError{
		Code:    "SHUTDOWN",
		Message: "pool is shutting down",
	}

	ErrDuplicateID = &PoolError{
		Code:    "DUPLICATE_ID",
		Message: "a work item with this id is already queued or active",
	}

	ErrInvalidItem = &PoolError{
		Code:    "INVALID_ITEM",
		Message: "work item is missing an id or action",
	}

	ErrWaitTimeout = &PoolError{
		Code:    "WAIT_TIMEOUT",
		Message: "timed out waiting for pool to drain",
	}
)

// NewPoolError creates a new PoolError with the given code and message
func NewPoolError(code, message string, err error) *PoolError {
	return &PoolError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ConfigError indicates an invalid pool configuration. It is fatal at
// construction time.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pool config: %s: %s", e.Field, e.Message)
}

// IsTimeout reports whether err carries an explicit timeout signal, either
// the pool's sentinel or a context deadline from the action itself. Timeouts
// are terminal and never retried.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
