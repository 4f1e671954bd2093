// Package memory provides a partitioned in-memory message source for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagesink/pagesink/internal/pipeline"
)

// Source is a bounded in-memory implementation of pipeline.Source. Offsets
// are assigned per partition in publish order, so it reproduces the broker's
// per-partition ordering model without a running cluster.
type Source struct {
	topic string
	ch    chan pipeline.Message

	mu        sync.Mutex
	next      map[int32]int64
	committed map[int32]int64

	closeMu sync.Mutex
	closed  bool
}

// NewSource constructs a source for topic with the provided buffer capacity.
func NewSource(topic string, capacity int) *Source {
	return &Source{
		topic:     topic,
		ch:        make(chan pipeline.Message, capacity),
		next:      make(map[int32]int64),
		committed: make(map[int32]int64),
	}
}

// Publish appends payload to the given partition and returns its offset.
func (s *Source) Publish(ctx context.Context, partition int32, payload []byte) (int64, error) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return 0, pipeline.ErrSourceClosed
	}
	s.closeMu.Unlock()

	s.mu.Lock()
	offset := s.next[partition]
	s.next[partition] = offset + 1
	s.mu.Unlock()

	msg := pipeline.Message{
		Payload: payload,
		Offset: pipeline.OffsetToken{
			Topic:     s.topic,
			Partition: partition,
			Offset:    offset,
		},
		Timestamp: time.Now().UTC(),
	}
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("publish canceled: %w", ctx.Err())
	case s.ch <- msg:
		return offset, nil
	}
}

// Poll blocks for the next message, then drains whatever else is buffered.
// Returns pipeline.ErrSourceClosed once the source is closed and empty.
func (s *Source) Poll(ctx context.Context) ([]pipeline.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, pipeline.ErrSourceClosed
		}
		batch := []pipeline.Message{msg}
		for {
			select {
			case next, ok := <-s.ch:
				if !ok {
					return batch, nil
				}
				batch = append(batch, next)
			default:
				return batch, nil
			}
		}
	}
}

// Commit records the committed offset for the token's partition. Commits are
// monotonic: an older offset never moves the mark backwards.
func (s *Source) Commit(_ context.Context, token pipeline.OffsetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.committed[token.Partition]; !ok || token.Offset > cur {
		s.committed[token.Partition] = token.Offset
	}
	return nil
}

// Committed returns the highest committed offset for partition, or -1 when
// nothing has been committed.
func (s *Source) Committed(partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off, ok := s.committed[partition]; ok {
		return off
	}
	return -1
}

// Close closes the underlying channel; buffered messages remain pollable.
func (s *Source) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	close(s.ch)
	s.closed = true
	return nil
}
