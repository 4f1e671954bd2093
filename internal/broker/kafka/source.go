// Package kafka provides the franz-go backed broker source.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/pipeline"
)

// Config captures consumer connection settings.
type Config struct {
	SeedBrokers []string
	Topic       string
	Group       string
}

// Source consumes task messages from a Kafka topic with auto-commit
// disabled; offsets advance only through explicit Commit calls.
type Source struct {
	client *kgo.Client
	log    *zap.Logger
}

// NewSource connects a consumer-group client for cfg.Topic.
func NewSource(cfg Config, log *zap.Logger) (*Source, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	log.Info("kafka source connected",
		zap.Strings("seed_brokers", cfg.SeedBrokers),
		zap.String("topic", cfg.Topic),
		zap.String("group", cfg.Group))
	return &Source{client: client, log: log}, nil
}

// Poll fetches the next batch of records. Each record's offset token carries
// the *kgo.Record as its commit handle.
func (s *Source) Poll(ctx context.Context) ([]pipeline.Message, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, pipeline.ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, fe := range errs {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				return nil, fe.Err
			}
		}
		return nil, &pipeline.BrokerError{Op: "poll", Err: errs[0].Err}
	}

	var msgs []pipeline.Message
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, pipeline.Message{
			Payload: r.Value,
			Offset: pipeline.OffsetToken{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Handle:    r,
			},
			Timestamp: r.Timestamp,
		})
	})
	return msgs, nil
}

// Commit acknowledges the record behind token. Committing a record marks all
// earlier offsets in its partition consumed, which is exactly the contract
// the coordinator's in-order committer relies on.
func (s *Source) Commit(ctx context.Context, token pipeline.OffsetToken) error {
	rec, ok := token.Handle.(*kgo.Record)
	if !ok {
		return &pipeline.BrokerError{
			Op:  "commit",
			Err: fmt.Errorf("offset token %s/%d@%d carries no kafka record", token.Topic, token.Partition, token.Offset),
		}
	}
	if err := s.client.CommitRecords(ctx, rec); err != nil {
		return &pipeline.BrokerError{Op: "commit", Err: err}
	}
	return nil
}

// Close tears down the client; a Poll blocked in PollFetches returns.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
