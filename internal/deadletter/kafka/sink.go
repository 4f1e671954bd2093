// Package kafka provides a Kafka-backed dead-letter sink.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pagesink/pagesink/internal/pipeline"
)

const (
	defaultRecordRetries   = 5
	defaultDeliveryTimeout = 10 * time.Second
)

// Config holds the producer settings for the dead-letter topic.
type Config struct {
	Brokers         []string
	Topic           string
	ClientID        string
	DeliveryTimeout time.Duration
}

// Sink publishes dead-letter entries to a Kafka topic and waits for
// broker acknowledgement before reporting success.
type Sink struct {
	client *kgo.Client
	topic  string
}

// New creates a Sink producing to cfg.Topic.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka dead letter sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka dead letter sink: no topic configured")
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(defaultRecordRetries),
		kgo.RecordDeliveryTimeout(timeout),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &pipeline.BrokerError{Op: "dead letter producer", Err: err}
	}
	return &Sink{client: client, topic: cfg.Topic}, nil
}

// Send publishes entry synchronously.
func (s *Sink) Send(ctx context.Context, entry pipeline.DeadLetterEntry) error {
	record, err := buildRecord(s.topic, entry)
	if err != nil {
		return err
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return &pipeline.BrokerError{Op: "dead letter produce", Err: err}
	}
	return nil
}

// Close releases the producer client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// buildRecord keys the record by task id when one exists, falling back to
// the source coordinates, so redeliveries of the same task land in the
// same dead-letter partition.
func buildRecord(topic string, entry pipeline.DeadLetterEntry) (*kgo.Record, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encoding dead letter entry: %w", err)
	}
	key := fmt.Sprintf("%s/%d/%d", entry.Topic, entry.Partition, entry.MsgOffset)
	if entry.Task != nil && entry.Task.ID != "" {
		key = entry.Task.ID
	}
	headers := []kgo.RecordHeader{
		{Key: "source_topic", Value: []byte(entry.Topic)},
		{Key: "source_partition", Value: []byte(strconv.FormatInt(int64(entry.Partition), 10))},
		{Key: "source_offset", Value: []byte(strconv.FormatInt(entry.MsgOffset, 10))},
		{Key: "reason", Value: []byte(entry.Reason)},
		{Key: "failed_at", Value: []byte(entry.FailedAt.UTC().Format(time.RFC3339))},
	}
	if entry.Error != "" {
		headers = append(headers, kgo.RecordHeader{Key: "error", Value: []byte(entry.Error)})
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}, nil
}
