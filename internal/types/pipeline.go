package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure inside the dispatch pipeline. The kind, not
// the underlying error, decides whether a message is retried or dead-lettered.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION_ERROR"
	KindRenderTransient   ErrorKind = "RENDER_TRANSIENT"
	KindRenderPermanent   ErrorKind = "RENDER_PERMANENT"
	KindRenderUnavailable ErrorKind = "RENDER_UNAVAILABLE"
	KindSendTransient     ErrorKind = "SEND_TRANSIENT"
	KindSendPermanent     ErrorKind = "SEND_PERMANENT"
	KindQueueUnavailable  ErrorKind = "QUEUE_UNAVAILABLE"
	KindDedupContention   ErrorKind = "DEDUP_CONTENTION"
	KindRetriesExhausted  ErrorKind = "RETRIES_EXHAUSTED"
	KindShutdown          ErrorKind = "SHUTDOWN"
)

// IsTransient reports whether a failure of this kind may succeed on a later
// attempt.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case KindRenderTransient, KindRenderUnavailable, KindSendTransient,
		KindQueueUnavailable, KindDedupContention, KindShutdown:
		return true
	default:
		return false
	}
}

// PipelineError carries an ErrorKind through the worker so the retry decision
// can be made without string matching.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// IsTransient reports whether the error should be retried.
func (e *PipelineError) IsTransient() bool { return e.Kind.IsTransient() }

// NewPipelineError builds a PipelineError of the given kind.
func NewPipelineError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err. Unclassified errors, including
// context expiry, map to fallback.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return fallback
}

// IsContextDone reports whether err stems from context cancellation or
// deadline expiry.
func IsContextDone(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
