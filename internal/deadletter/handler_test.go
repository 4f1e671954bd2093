package deadletter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesink/pagesink/internal/deadletter"
	"github.com/pagesink/pagesink/internal/metrics"
	"github.com/pagesink/pagesink/internal/pipeline"
)

type spySink struct {
	mu      sync.Mutex
	entries []pipeline.DeadLetterEntry
	failN   int
	calls   int
}

func (s *spySink) Send(_ context.Context, entry pipeline.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("sink unavailable")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *spySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *spySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *spySink) Last() pipeline.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1]
}

type gateSink struct {
	spySink
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) Send(ctx context.Context, entry pipeline.DeadLetterEntry) error {
	g.entered <- struct{}{}
	<-g.release
	return g.spySink.Send(ctx, entry)
}

// instantClock makes delivery backoff waits return immediately.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testEntry(reason string) pipeline.DeadLetterEntry {
	return pipeline.DeadLetterEntry{
		Reason:    reason,
		Task:      &pipeline.Task{ID: "task-1", URL: "https://example.com/a"},
		Payload:   []byte(`{"id":"task-1","url":"https://example.com/a"}`),
		Topic:     "tasks",
		Partition: 2,
		MsgOffset: 41,
		Error:     "boom",
		FailedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandlerDeliversEntryToSink(t *testing.T) {
	t.Parallel()
	metrics.Init()

	sink := &spySink{}
	handler := deadletter.NewHandler(sink)
	go handler.Run(context.Background())

	require.True(t, handler.Submit(testEntry("decode-error")))
	require.Eventually(t, func() bool { return sink.Count() == 1 }, time.Second, 5*time.Millisecond)
	handler.Close()

	got := sink.Last()
	require.Equal(t, "decode-error", got.Reason)
	require.Equal(t, "tasks", got.Topic)
	require.Equal(t, int64(41), got.MsgOffset)
	require.NotNil(t, got.Task)
	require.Equal(t, "task-1", got.Task.ID)
}

func TestHandlerCloseDrainsQueue(t *testing.T) {
	t.Parallel()
	metrics.Init()

	sink := &spySink{}
	handler := deadletter.NewHandler(sink, deadletter.WithQueueSize(8))
	go handler.Run(context.Background())

	require.True(t, handler.Submit(testEntry("decode-error")))
	require.True(t, handler.Submit(testEntry("validation-error")))
	require.True(t, handler.Submit(testEntry("persistence-exhausted")))
	handler.Close()

	require.Equal(t, 3, sink.Count())
}

func TestHandlerDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	metrics.Init()

	sink := &gateSink{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	handler := deadletter.NewHandler(sink, deadletter.WithQueueSize(1))
	go handler.Run(context.Background())

	require.True(t, handler.Submit(testEntry("a")))
	<-sink.entered // delivery goroutine is inside Send
	require.True(t, handler.Submit(testEntry("b")))  // fills the queue
	require.False(t, handler.Submit(testEntry("c"))) // dropped

	close(sink.release)
	handler.Close()
	require.Equal(t, 2, sink.Count())
}

func TestHandlerRetriesDelivery(t *testing.T) {
	t.Parallel()
	metrics.Init()

	sink := &spySink{failN: 2}
	handler := deadletter.NewHandler(sink,
		deadletter.WithRetryPolicy(pipeline.NewRetryPolicy(3, time.Millisecond, time.Millisecond)),
		deadletter.WithClock(instantClock{}),
	)
	go handler.Run(context.Background())

	require.True(t, handler.Submit(testEntry("http-status:503")))
	handler.Close()

	require.Equal(t, 3, sink.Calls())
	require.Equal(t, 1, sink.Count())
}

func TestHandlerDropsAfterDeliveryBudget(t *testing.T) {
	t.Parallel()
	metrics.Init()

	sink := &spySink{failN: 100}
	handler := deadletter.NewHandler(sink,
		deadletter.WithRetryPolicy(pipeline.NewRetryPolicy(2, time.Millisecond, time.Millisecond)),
		deadletter.WithClock(instantClock{}),
	)
	go handler.Run(context.Background())

	require.True(t, handler.Submit(testEntry("http-status:503")))
	handler.Close()

	require.Equal(t, 2, sink.Calls())
	require.Equal(t, 0, sink.Count())
}

func TestHandlerSubmitAfterClose(t *testing.T) {
	t.Parallel()
	metrics.Init()

	handler := deadletter.NewHandler(&spySink{})
	go handler.Run(context.Background())
	handler.Close()

	require.False(t, handler.Submit(testEntry("decode-error")))
}

func TestHandlerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	handler := deadletter.NewHandler(&spySink{})

	done := make(chan struct{})
	go func() {
		handler.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
	handler.Close()
}
