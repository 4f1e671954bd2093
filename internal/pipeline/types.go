// Package pipeline defines the core types and collaborator contracts shared
// across the fetch-persist subsystems.
package pipeline

import (
	"net/http"
	"time"
)

// OffsetToken identifies a message's commit position within its partition.
// Partition and Offset locate the message for commit ordering; Handle is the
// broker client's opaque commit handle, passed back verbatim on Commit.
type OffsetToken struct {
	Topic     string
	Partition int32
	Offset    int64
	Handle    any
}

// Message is one raw record polled from the broker.
type Message struct {
	Payload   []byte
	Offset    OffsetToken
	Timestamp time.Time
}

// Task is one decoded fetch request derived from a broker message.
// A Task is immutable once decoded; its id is never reused within a run.
type Task struct {
	ID       string      `json:"id"`
	URL      string      `json:"url"`
	Priority int         `json:"priority,omitempty"`
	Offset   OffsetToken `json:"-"`
}

// FetchRequest captures everything needed for one retrieval attempt.
type FetchRequest struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation for a
// single attempt. A non-2xx status is a response, not an error.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FetchResult is the terminal outcome of executing one Task's retrieval
// after the retry budget has been applied.
type FetchResult struct {
	StatusCode   int           // 0 when no response was ever received
	Body         []byte        // nil unless a response was received
	Latency      time.Duration // elapsed time of the final attempt
	AttemptCount int
	Err          *FetchError // nil on success
}

// Outcome is the persisted record describing the result of one Task.
// ID is the idempotency key: re-processing a Task with the same id
// overwrites rather than duplicates.
type Outcome struct {
	ID            string      `json:"id" bson:"_id"`
	URL           string      `json:"url" bson:"url"`
	StatusCode    *int        `json:"status_code" bson:"status_code"`
	FetchedAt     time.Time   `json:"fetched_at" bson:"fetched_at"`
	LatencyMS     int64       `json:"latency_ms" bson:"latency_ms"`
	ContentLength *int64      `json:"content_length" bson:"content_length"`
	Body          []byte      `json:"body" bson:"body"`
	Error         *string     `json:"error" bson:"error"`
	Meta          OutcomeMeta `json:"meta" bson:"meta"`
}

// OutcomeMeta carries bookkeeping not part of the fetched payload.
type OutcomeMeta struct {
	Retries int `json:"retries" bson:"retries"`
}

// DeadLetterEntry captures a Task (or its undecodable raw message) that
// exhausted its budgets, together with the classified reason.
type DeadLetterEntry struct {
	Reason    string    `json:"reason"`
	Task      *Task     `json:"task,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	MsgOffset int64     `json:"offset"`
	Error     string    `json:"error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// Resolution describes how a Task reached its terminal state.
type Resolution int

// Terminal states reported by the per-task processor.
const (
	// ResolutionPersisted: the Outcome is durably stored; the offset may commit.
	ResolutionPersisted Resolution = iota
	// ResolutionDeadLettered: routed to the dead-letter path; the offset may commit.
	ResolutionDeadLettered
	// ResolutionPersistExhausted: dead-lettered after the store retry budget;
	// the offset must never commit so the message is redelivered.
	ResolutionPersistExhausted
	// ResolutionAbandoned: cancelled mid-flight during drain; not committed,
	// redelivered on restart.
	ResolutionAbandoned
)

// Committable reports whether the offset of a task with this resolution may
// be committed once all lower offsets in its partition have resolved.
func (r Resolution) Committable() bool {
	return r == ResolutionPersisted || r == ResolutionDeadLettered
}

func (r Resolution) String() string {
	switch r {
	case ResolutionPersisted:
		return "persisted"
	case ResolutionDeadLettered:
		return "dead-lettered"
	case ResolutionPersistExhausted:
		return "persist-exhausted"
	case ResolutionAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}
