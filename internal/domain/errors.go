package domain

import (
	"context"
	"errors"
)

type ErrorKind string

const (
	ErrorKindInvalidInput       ErrorKind = "invalid_input"
	ErrorKindNotFound           ErrorKind = "not_found"
	ErrorKindConflict           ErrorKind = "conflict"
	ErrorKindRetryableRetrieval ErrorKind = "retryable_retrieval"
	ErrorKindFatalRetrieval     ErrorKind = "fatal_retrieval"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindEnqueue            ErrorKind = "enqueue_error"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("job not found")
	ErrConflict     = errors.New("illegal job state transition")
	ErrEnqueue      = errors.New("work item could not be enqueued")

	// ErrLeaseLost is returned to a worker whose claim was reassigned.
	ErrLeaseLost = errors.New("lease no longer held")
	// ErrVersionConflict is returned by the store when a compare-and-swap loses.
	ErrVersionConflict = errors.New("job version changed concurrently")
	// ErrCancelled is observed by a worker at a checkpoint after CancelJob.
	ErrCancelled = errors.New("job cancelled")
)

// RetrievalError classifies a failure reported by the file-retrieval or
// storage collaborator.
type RetrievalError struct {
	Kind ErrorKind
	Err  error
}

func (e *RetrievalError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

func Retryable(err error) error {
	return &RetrievalError{Kind: ErrorKindRetryableRetrieval, Err: err}
}

func Fatal(err error) error {
	return &RetrievalError{Kind: ErrorKindFatalRetrieval, Err: err}
}

// IsRetryable treats unclassified failures and deadline expiry as transient;
// only an explicit fatal classification is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retrievalErr *RetrievalError
	if errors.As(err, &retrievalErr) {
		return retrievalErr.Kind == ErrorKindRetryableRetrieval
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
