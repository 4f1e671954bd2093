// Package deadletter routes work the pipeline has given up on to a
// configured sink without stalling the hot path.
package deadletter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	clocksystem "github.com/pagesink/pagesink/internal/clock/system"
	"github.com/pagesink/pagesink/internal/metrics"
	"github.com/pagesink/pagesink/internal/pipeline"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

// Handler owns a bounded queue of dead-letter entries and a single
// delivery goroutine draining it into a sink. Submit never blocks the
// caller: when the queue is full the entry is dropped and counted.
type Handler struct {
	sink   pipeline.DeadLetterSink
	policy *pipeline.RetryPolicy
	clock  pipeline.Clock
	logger *zap.Logger

	queue chan pipeline.DeadLetterEntry

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Handler.
type Option func(*Handler)

// WithQueueSize sets the delivery queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.queue = make(chan pipeline.DeadLetterEntry, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock sets the clock used for delivery backoff waits.
func WithClock(clock pipeline.Clock) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithRetryPolicy sets the sink delivery retry policy.
func WithRetryPolicy(policy *pipeline.RetryPolicy) Option {
	return func(h *Handler) {
		if policy != nil {
			h.policy = policy
		}
	}
}

// NewHandler creates a Handler delivering into sink. Run must be started
// before entries are submitted.
func NewHandler(sink pipeline.DeadLetterSink, opts ...Option) *Handler {
	h := &Handler{
		sink:   sink,
		policy: pipeline.NewRetryPolicy(defaultMaxAttempts, defaultBaseDelay, defaultMaxDelay),
		clock:  clocksystem.New(),
		logger: zap.NewNop(),
		queue:  make(chan pipeline.DeadLetterEntry, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes the queue until Close is called and the queue drains, or
// ctx is cancelled. It must be called exactly once.
func (h *Handler) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case entry, ok := <-h.queue:
			if !ok {
				return
			}
			h.deliver(ctx, entry)
		case <-ctx.Done():
			h.discard()
			return
		}
	}
}

// Submit enqueues entry for delivery. It reports false when the entry was
// dropped because the queue is full or the handler is closed.
func (h *Handler) Submit(entry pipeline.DeadLetterEntry) bool {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	if h.closed {
		metrics.IncDeadLetterDropped()
		return false
	}
	select {
	case h.queue <- entry:
		return true
	default:
		metrics.IncDeadLetterDropped()
		h.logger.Warn("dead letter queue full, dropping entry",
			zap.String("reason", entry.Reason),
			zap.String("topic", entry.Topic),
			zap.Int32("partition", entry.Partition),
			zap.Int64("offset", entry.MsgOffset),
		)
		return false
	}
}

// Depth returns the number of entries waiting for delivery.
func (h *Handler) Depth() int {
	return len(h.queue)
}

// Close stops accepting entries and waits for the delivery goroutine to
// finish draining the queue.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.closeMu.Lock()
		h.closed = true
		close(h.queue)
		h.closeMu.Unlock()
		<-h.done
	})
}

func (h *Handler) deliver(ctx context.Context, entry pipeline.DeadLetterEntry) {
	for attempt := 1; ; attempt++ {
		err := h.sink.Send(ctx, entry)
		if err == nil {
			metrics.ObserveDeadLetter(entry.Reason)
			return
		}
		if attempt >= h.policy.MaxAttempts() || ctx.Err() != nil {
			metrics.IncDeadLetterDropped()
			h.logger.Error("dropping dead letter after failed delivery",
				zap.String("reason", entry.Reason),
				zap.String("topic", entry.Topic),
				zap.Int32("partition", entry.Partition),
				zap.Int64("offset", entry.MsgOffset),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		h.logger.Warn("dead letter delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := h.clock.Sleep(ctx, h.policy.Backoff(attempt)); err != nil {
			metrics.IncDeadLetterDropped()
			return
		}
	}
}

// discard counts queued entries that will never be delivered.
func (h *Handler) discard() {
	for {
		select {
		case _, ok := <-h.queue:
			if !ok {
				return
			}
			metrics.IncDeadLetterDropped()
		default:
			return
		}
	}
}
