// Package redis provides a Redis-backed in-flight guard, so replicas that
// share a consumer group serialize admissions of the same task id.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/pipeline"
)

const releaseTimeout = 2 * time.Second

// Config controls the guard's connection and lease behavior.
type Config struct {
	Addr         string
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
}

// Guard holds one lease key per in-flight task id. The TTL bounds how long a
// crashed holder can wedge admission of its id on other replicas.
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	clock  pipeline.Clock
	log    *zap.Logger
}

// NewGuard dials cfg.Addr, accepting either a redis URL or a host:port pair.
func NewGuard(cfg Config, clock pipeline.Clock, log *zap.Logger) *Guard {
	opts, err := redis.ParseURL(cfg.Addr)
	if err != nil {
		opts = &redis.Options{Addr: cfg.Addr}
	}
	return NewGuardWithClient(redis.NewClient(opts), cfg, clock, log)
}

// NewGuardWithClient wraps an existing client (primarily for testing).
func NewGuardWithClient(client *redis.Client, cfg Config, clock pipeline.Clock, log *zap.Logger) *Guard {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pagesink:inflight:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Guard{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   poll,
		clock:  clock,
		log:    log,
	}
}

// Acquire takes the lease for id, polling until the current holder releases,
// the lease expires, or ctx ends.
func (g *Guard) Acquire(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	key := g.prefix + id
	for {
		ok, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
		if err != nil {
			return fmt.Errorf("inflight setnx: %w", err)
		}
		if ok {
			return nil
		}
		if err := g.clock.Sleep(ctx, g.poll); err != nil {
			return err
		}
	}
}

// Release drops the lease for id. Failures are logged, not returned: a
// leaked lease expires with its TTL.
func (g *Guard) Release(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := g.client.Del(ctx, g.prefix+id).Err(); err != nil {
		g.log.Warn("inflight release failed", zap.String("task_id", id), zap.Error(err))
	}
}

// Close releases the underlying client.
func (g *Guard) Close() error {
	return g.client.Close()
}
