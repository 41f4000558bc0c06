package repositories

import "fmt"

type errorKind int

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// StoreError implements RepositoryError for every backend. A zero kind means unclassified.
type StoreError struct {
	Op   string
	Err  error
	kind errorKind
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, kind: kindNotFound}
}

// NewConflictError reports a duplicate or concurrent modification.
func NewConflictError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, kind: kindConflict}
}

// NewUnavailableError reports a backend that could not be reached.
func NewUnavailableError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, kind: kindUnavailable}
}

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	// CounterErrorInvalidInput indicates the caller supplied invalid arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted indicates the counter reached its limit.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	Code    CounterErrorCode
	Message string
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message}
}
