package pipeline

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies a fetch failure. The values double as the
// error strings recorded on persisted outcomes.
type FetchErrorKind string

// Fetch failure classes.
const (
	FetchErrNetwork    FetchErrorKind = "network"
	FetchErrTimeout    FetchErrorKind = "timeout"
	FetchErrHTTPStatus FetchErrorKind = "http-status"
	FetchErrDecode     FetchErrorKind = "decode"
)

// Dead-letter reasons not derived from a fetch failure.
const (
	ReasonDecodeError          = "decode-error"
	ReasonValidationError      = "validation-error"
	ReasonPersistenceExhausted = "persistence-exhausted"
)

// ErrSourceClosed is returned by Source.Poll once the source has been
// closed and drained; the coordinator treats it as a clean end of stream.
var ErrSourceClosed = errors.New("source closed")

// FetchError is a classified retrieval failure. StatusCode is set only for
// the http-status kind.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchErrHTTPStatus:
		return fmt.Sprintf("fetch failed: http status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch failed: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch failed: %s", e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Reason renders the dead-letter reason for this failure, e.g.
// "http-status:404" or "timeout".
func (e *FetchError) Reason() string {
	if e.Kind == FetchErrHTTPStatus {
		return fmt.Sprintf("%s:%d", FetchErrHTTPStatus, e.StatusCode)
	}
	return string(e.Kind)
}

// DecodeError marks a message payload that is not well-formed JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode message: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError marks a well-formed payload that fails task validation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Msg)
}

// PersistenceError wraps a document store failure.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist outcome: %v", e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// BrokerError wraps a poll or commit failure from the broker client.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return fmt.Sprintf("broker %s: %v", e.Op, e.Err) }

func (e *BrokerError) Unwrap() error { return e.Err }

// DeadLetterReason maps a taxonomy error to the reason recorded on its
// dead-letter entry.
func DeadLetterReason(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason()
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return ReasonDecodeError
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ReasonValidationError
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return ReasonPersistenceExhausted
	}
	return "unknown"
}
