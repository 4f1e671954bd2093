package pipeline

import (
	"context"
	"time"
)

// Source consumes raw messages from the broker. Poll may return zero or more
// messages per call; Commit is monotonic per partition (committing offset N
// acknowledges all offsets <= N in that partition).
type Source interface {
	Poll(ctx context.Context) ([]Message, error)
	Commit(ctx context.Context, token OffsetToken) error
	Close() error
}

// Fetcher performs one retrieval attempt for a URL. Transport failures are
// returned as classified *FetchError values; a received non-2xx response is
// returned as a FetchResponse with a nil error.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// DocumentStore persists outcomes keyed by Task id. Upsert must be safe to
// retry: repeated writes of the same Outcome yield the same stored document.
type DocumentStore interface {
	Upsert(ctx context.Context, outcome Outcome) error
}

// DeadLetterSink receives tasks that cannot be completed within their
// budgets. Best-effort: callers bound their own retries and never block the
// main stream on a sink failure.
type DeadLetterSink interface {
	Send(ctx context.Context, entry DeadLetterEntry) error
}

// InflightGuard serializes admission of tasks sharing an id. Acquire blocks
// until no other holder owns id or ctx is done; Release frees the id for the
// next waiter.
type InflightGuard interface {
	Acquire(ctx context.Context, id string) error
	Release(id string)
}

// Hasher computes digests for deterministic id synthesis.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for testing; Sleep must return early with the context
// error when ctx is done.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run and entry IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
