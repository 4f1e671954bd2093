// Package log provides a dead-letter sink that records entries to the
// service log. Useful for development and the memory broker profile.
package log

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/pipeline"
)

// Sink logs each entry at warn level and always reports success.
type Sink struct {
	logger *zap.Logger
}

// New creates a Sink writing to logger.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger}
}

// Send logs entry.
func (s *Sink) Send(_ context.Context, entry pipeline.DeadLetterEntry) error {
	fields := []zap.Field{
		zap.String("reason", entry.Reason),
		zap.String("topic", entry.Topic),
		zap.Int32("partition", entry.Partition),
		zap.Int64("offset", entry.MsgOffset),
		zap.Time("failed_at", entry.FailedAt),
	}
	if entry.Task != nil {
		fields = append(fields,
			zap.String("task_id", entry.Task.ID),
			zap.String("url", entry.Task.URL),
		)
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	s.logger.Warn("dead letter", fields...)
	return nil
}
