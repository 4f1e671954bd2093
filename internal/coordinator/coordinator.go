// Package coordinator runs the poll-dispatch-commit loop tying the broker
// source to the task processor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/metrics"
	"github.com/pagesink/pagesink/internal/pipeline"
)

const (
	defaultMaxConcurrentFetches = 10
	defaultDrainGrace           = 30 * time.Second
	defaultPollBackoff          = 2 * time.Second
	defaultMaxPollFailures      = 5

	commitTimeout = 10 * time.Second
)

// Config controls Coordinator behavior.
type Config struct {
	// MaxConcurrentFetches bounds admitted, unresolved tasks.
	MaxConcurrentFetches int
	// DrainGrace bounds how long in-flight attempts may run after a
	// shutdown signal.
	DrainGrace time.Duration
	// PollBackoff is the wait between failed poll calls.
	PollBackoff time.Duration
	// MaxPollFailures is the consecutive poll failure ceiling; reaching it
	// makes Run return an error. Zero means no ceiling.
	MaxPollFailures int
}

// TaskProcessor drives one task to a terminal resolution.
type TaskProcessor interface {
	Process(ctx context.Context, task pipeline.Task) pipeline.Resolution
}

// DeadLetterQueue accepts entries for asynchronous delivery.
type DeadLetterQueue interface {
	Submit(entry pipeline.DeadLetterEntry) bool
}

type completion struct {
	token      pipeline.OffsetToken
	resolution pipeline.Resolution
}

type counters struct {
	polled           atomic.Uint64
	rejected         atomic.Uint64
	persisted        atomic.Uint64
	deadLettered     atomic.Uint64
	persistExhausted atomic.Uint64
	abandoned        atomic.Uint64
	commits          atomic.Uint64
	commitFailures   atomic.Uint64
}

// Stats is a point-in-time snapshot for the ops endpoints. DeadLettered
// includes pre-admission rejects, which Rejected also counts separately.
type Stats struct {
	Running          bool             `json:"running"`
	Polled           uint64           `json:"polled"`
	Rejected         uint64           `json:"rejected"`
	Persisted        uint64           `json:"persisted"`
	DeadLettered     uint64           `json:"dead_lettered"`
	PersistExhausted uint64           `json:"persist_exhausted"`
	Abandoned        uint64           `json:"abandoned"`
	Commits          uint64           `json:"commits"`
	CommitFailures   uint64           `json:"commit_failures"`
	InFlight         int              `json:"in_flight"`
	PendingCommits   int              `json:"pending_commits"`
	HeldPartitions   int              `json:"held_partitions"`
	CommittedOffsets map[string]int64 `json:"committed_offsets"`
}

// Coordinator owns the poll loop, the worker pool, and the single
// committer goroutine that serializes offset commits.
type Coordinator struct {
	source      pipeline.Source
	decoder     *pipeline.Decoder
	processor   TaskProcessor
	deadLetters DeadLetterQueue
	clock       pipeline.Clock
	cfg         Config
	logger      *zap.Logger

	drain       chan struct{}
	slots       chan struct{}
	completions chan completion
	tracker     *offsetTracker

	running atomic.Bool
	stats   counters

	mu        sync.Mutex
	committed map[string]int64
}

// New constructs a Coordinator. drain is closed at drain start so backoff
// waits held by the processor abort immediately; pass the same channel to
// the processor. A nil drain gets replaced with an internal channel.
func New(
	source pipeline.Source,
	decoder *pipeline.Decoder,
	processor TaskProcessor,
	deadLetters DeadLetterQueue,
	clock pipeline.Clock,
	drain chan struct{},
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = defaultPollBackoff
	}
	if cfg.MaxPollFailures < 0 {
		cfg.MaxPollFailures = defaultMaxPollFailures
	}
	if drain == nil {
		drain = make(chan struct{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		source:      source,
		decoder:     decoder,
		processor:   processor,
		deadLetters: deadLetters,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		drain:       drain,
		slots:       make(chan struct{}, cfg.MaxConcurrentFetches),
		completions: make(chan completion, cfg.MaxConcurrentFetches*2),
		tracker:     newOffsetTracker(),
		committed:   make(map[string]int64),
	}
}

// Run polls, dispatches, and commits until ctx is cancelled, the source
// reports end of stream, or the poll failure ceiling is reached. It must
// be called exactly once. On cancellation it drains: polling stops,
// backoff waits abort, in-flight attempts get DrainGrace to finish.
func (c *Coordinator) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	// work context outlives ctx so in-flight attempts survive into the
	// drain window; it is cancelled when the grace elapses
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	tasks := make(chan pipeline.Task, c.cfg.MaxConcurrentFetches)

	var workerWG sync.WaitGroup
	for i := 0; i < c.cfg.MaxConcurrentFetches; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for task := range tasks {
				resolution := c.processor.Process(workCtx, task)
				c.releaseSlot()
				c.completions <- completion{token: task.Offset, resolution: resolution}
			}
		}()
	}

	var commitWG sync.WaitGroup
	commitWG.Add(1)
	go func() {
		defer commitWG.Done()
		c.committer()
	}()

	pollErr := c.pollLoop(ctx, tasks)

	if errors.Is(pollErr, pipeline.ErrSourceClosed) {
		// end of stream: in-flight work runs its budgets to completion
		c.logger.Info("source exhausted, finishing in-flight tasks")
		close(tasks)
		workerWG.Wait()
		pollErr = nil
	} else {
		close(c.drain)
		graceCtx, cancelGrace := context.WithCancel(context.Background())
		go func() {
			if err := c.clock.Sleep(graceCtx, c.cfg.DrainGrace); err == nil {
				c.logger.Warn("drain grace elapsed, cancelling in-flight tasks",
					zap.Duration("grace", c.cfg.DrainGrace),
				)
				cancelWork()
			}
		}()
		close(tasks)
		workerWG.Wait()
		cancelGrace()
	}

	close(c.completions)
	commitWG.Wait()

	if err := c.source.Close(); err != nil {
		c.logger.Warn("source close failed", zap.Error(err))
	}
	return pollErr
}

// Healthy reports whether the run loop is active.
func (c *Coordinator) Healthy() bool {
	return c.running.Load()
}

// Stats snapshots pipeline counters for the ops endpoints.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	committed := make(map[string]int64, len(c.committed))
	for k, v := range c.committed {
		committed[k] = v
	}
	c.mu.Unlock()

	return Stats{
		Running:          c.running.Load(),
		Polled:           c.stats.polled.Load(),
		Rejected:         c.stats.rejected.Load(),
		Persisted:        c.stats.persisted.Load(),
		DeadLettered:     c.stats.deadLettered.Load(),
		PersistExhausted: c.stats.persistExhausted.Load(),
		Abandoned:        c.stats.abandoned.Load(),
		Commits:          c.stats.commits.Load(),
		CommitFailures:   c.stats.commitFailures.Load(),
		InFlight:         len(c.slots),
		PendingCommits:   c.tracker.Pending(),
		HeldPartitions:   c.tracker.HeldPartitions(),
		CommittedOffsets: committed,
	}
}

// pollLoop returns nil when ctx ends, ErrSourceClosed on clean end of
// stream, or the terminal error once the failure ceiling is reached.
func (c *Coordinator) pollLoop(ctx context.Context, tasks chan<- pipeline.Task) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := c.source.Poll(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrSourceClosed) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			metrics.ObservePollFailure()
			c.logger.Error("broker poll failed",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if c.cfg.MaxPollFailures > 0 && failures >= c.cfg.MaxPollFailures {
				return fmt.Errorf("broker poll failed %d consecutive times: %w", failures, err)
			}
			if serr := c.clock.Sleep(ctx, c.cfg.PollBackoff); serr != nil {
				return nil
			}
			continue
		}
		failures = 0
		if len(msgs) > 0 {
			c.stats.polled.Add(uint64(len(msgs)))
			metrics.ObservePolled(len(msgs))
		}
		for _, msg := range msgs {
			if err := c.admit(ctx, tasks, msg); err != nil {
				return nil
			}
		}
	}
}

// admit registers the message in its partition window, decodes it, and
// hands the task to the worker pool once a slot frees up. Acquiring the
// slot is the backpressure point: a full pipeline blocks polling.
func (c *Coordinator) admit(ctx context.Context, tasks chan<- pipeline.Task, msg pipeline.Message) error {
	c.tracker.Register(msg.Offset)

	task, err := c.decoder.Decode(msg)
	if err != nil {
		c.rejectMessage(msg, err)
		c.completions <- completion{token: msg.Offset, resolution: pipeline.ResolutionDeadLettered}
		return nil
	}

	select {
	case c.slots <- struct{}{}:
		metrics.IncInflight()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case tasks <- task:
		return nil
	case <-ctx.Done():
		c.releaseSlot()
		return ctx.Err()
	}
}

func (c *Coordinator) releaseSlot() {
	<-c.slots
	metrics.DecInflight()
}

// committer is the only goroutine that calls Source.Commit, so commits
// for one partition can never reorder.
func (c *Coordinator) committer() {
	for comp := range c.completions {
		c.countResolution(comp.resolution)
		token, ok := c.tracker.Resolve(comp.token, comp.resolution.Committable())
		if !ok {
			continue
		}
		c.commit(token)
	}
}

func (c *Coordinator) commit(token pipeline.OffsetToken) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err := c.source.Commit(ctx, token); err != nil {
		c.stats.commitFailures.Add(1)
		metrics.ObserveCommitFailure()
		c.logger.Error("offset commit failed",
			zap.String("topic", token.Topic),
			zap.Int32("partition", token.Partition),
			zap.Int64("offset", token.Offset),
			zap.Error(err),
		)
		return
	}
	c.stats.commits.Add(1)
	metrics.ObserveCommit()

	c.mu.Lock()
	c.committed[fmt.Sprintf("%s/%d", token.Topic, token.Partition)] = token.Offset
	c.mu.Unlock()
}

func (c *Coordinator) rejectMessage(msg pipeline.Message, err error) {
	reason := pipeline.DeadLetterReason(err)
	c.stats.rejected.Add(1)
	metrics.ObserveDecodeReject(reason)

	entry := pipeline.DeadLetterEntry{
		Reason:    reason,
		Payload:   msg.Payload,
		Topic:     msg.Offset.Topic,
		Partition: msg.Offset.Partition,
		MsgOffset: msg.Offset.Offset,
		Error:     err.Error(),
		FailedAt:  c.clock.Now(),
	}
	if !c.deadLetters.Submit(entry) {
		c.logger.Warn("rejected message dropped from dead letter queue",
			zap.String("topic", msg.Offset.Topic),
			zap.Int64("offset", msg.Offset.Offset),
		)
	}
	c.logger.Warn("message rejected before admission",
		zap.String("reason", reason),
		zap.String("topic", msg.Offset.Topic),
		zap.Int32("partition", msg.Offset.Partition),
		zap.Int64("offset", msg.Offset.Offset),
		zap.Error(err),
	)
}

func (c *Coordinator) countResolution(r pipeline.Resolution) {
	switch r {
	case pipeline.ResolutionPersisted:
		c.stats.persisted.Add(1)
	case pipeline.ResolutionDeadLettered:
		c.stats.deadLettered.Add(1)
	case pipeline.ResolutionPersistExhausted:
		c.stats.persistExhausted.Add(1)
	case pipeline.ResolutionAbandoned:
		c.stats.abandoned.Add(1)
	}
}
