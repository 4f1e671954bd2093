// Package worker executes single tasks: fetch with retries, persist or
// dead-letter, and report a terminal resolution.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/metrics"
	"github.com/pagesink/pagesink/internal/pipeline"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultUserAgent    = "pagesink/0.1"
)

// Config controls Processor behavior.
type Config struct {
	FetchTimeout time.Duration
	UserAgent    string
}

// DeadLetterQueue accepts entries for asynchronous delivery. Submit must
// not block; it reports whether the entry was accepted.
type DeadLetterQueue interface {
	Submit(entry pipeline.DeadLetterEntry) bool
}

// Processor runs one task through the fetch-persist state machine. It is
// safe for concurrent use; each Process call is independent.
type Processor struct {
	fetcher       pipeline.Fetcher
	store         pipeline.DocumentStore
	deadLetters   DeadLetterQueue
	guard         pipeline.InflightGuard
	clock         pipeline.Clock
	fetchPolicy   *pipeline.RetryPolicy
	persistPolicy *pipeline.RetryPolicy
	drain         <-chan struct{}
	cfg           Config
	logger        *zap.Logger
}

// New constructs a Processor. guard may be nil to disable in-flight
// serialization; drain may be nil when backoff waits should only honor
// context cancellation.
func New(
	fetcher pipeline.Fetcher,
	store pipeline.DocumentStore,
	deadLetters DeadLetterQueue,
	guard pipeline.InflightGuard,
	clock pipeline.Clock,
	fetchPolicy *pipeline.RetryPolicy,
	persistPolicy *pipeline.RetryPolicy,
	drain <-chan struct{},
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		fetcher:       fetcher,
		store:         store,
		deadLetters:   deadLetters,
		guard:         guard,
		clock:         clock,
		fetchPolicy:   fetchPolicy,
		persistPolicy: persistPolicy,
		drain:         drain,
		cfg:           cfg,
		logger:        logger,
	}
}

// Process drives task to a terminal resolution. The caller decides commit
// eligibility from the returned resolution.
func (p *Processor) Process(ctx context.Context, task pipeline.Task) pipeline.Resolution {
	if p.guard != nil {
		if err := p.guard.Acquire(ctx, task.ID); err != nil {
			p.logger.Debug("task abandoned before admission",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			return p.resolve(pipeline.ResolutionAbandoned)
		}
		defer p.guard.Release(task.ID)
	}

	result, err := p.executeFetch(ctx, task)
	if err != nil {
		p.logger.Info("task abandoned mid-flight",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Error(err),
		)
		return p.resolve(pipeline.ResolutionAbandoned)
	}

	if result.Err != nil {
		outcome := pipeline.BuildOutcome(task, result, p.clock.Now())
		p.submitDeadLetter(task, result.Err.Reason(), &outcome, result.Err.Error())
		p.logger.Info("task dead-lettered",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.String("reason", result.Err.Reason()),
			zap.Int("attempts", result.AttemptCount),
		)
		return p.resolve(pipeline.ResolutionDeadLettered)
	}

	outcome := pipeline.BuildOutcome(task, result, p.clock.Now())
	if err := p.persist(ctx, outcome); err != nil {
		if isCancellation(err) {
			p.logger.Info("task abandoned during persist",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			return p.resolve(pipeline.ResolutionAbandoned)
		}
		p.submitDeadLetter(task, pipeline.ReasonPersistenceExhausted, &outcome, err.Error())
		p.logger.Error("task persistence exhausted",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Error(err),
		)
		return p.resolve(pipeline.ResolutionPersistExhausted)
	}

	p.logger.Debug("task persisted",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Int("attempts", result.AttemptCount),
	)
	return p.resolve(pipeline.ResolutionPersisted)
}

// executeFetch runs fetch attempts until success, a terminal failure, or
// cancellation. A non-nil error means the task was abandoned.
func (p *Processor) executeFetch(ctx context.Context, task pipeline.Task) (pipeline.FetchResult, error) {
	var attempts int
	for {
		attempts++
		start := p.clock.Now()
		resp, err := p.fetcher.Fetch(ctx, pipeline.FetchRequest{
			URL:       task.URL,
			Timeout:   p.cfg.FetchTimeout,
			UserAgent: p.cfg.UserAgent,
		})
		if err == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				metrics.ObserveFetchAttempt("success", resp.Duration)
				return pipeline.FetchResult{
					StatusCode:   resp.StatusCode,
					Body:         resp.Body,
					Latency:      resp.Duration,
					AttemptCount: attempts,
				}, nil
			}
			err = &pipeline.FetchError{Kind: pipeline.FetchErrHTTPStatus, StatusCode: resp.StatusCode}
		}

		var fe *pipeline.FetchError
		if !errors.As(err, &fe) {
			// cancellation or an unclassified failure: abandon
			return pipeline.FetchResult{AttemptCount: attempts}, err
		}
		metrics.ObserveFetchAttempt(string(fe.Kind), p.attemptDuration(start, resp))

		if !p.fetchPolicy.ShouldRetry(fe, attempts) {
			return pipeline.FetchResult{
				StatusCode:   resp.StatusCode,
				Body:         resp.Body,
				Latency:      p.attemptDuration(start, resp),
				AttemptCount: attempts,
				Err:          fe,
			}, nil
		}

		backoff := p.fetchPolicy.Backoff(attempts)
		p.logger.Debug("fetch attempt failed, backing off",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(fe),
		)
		if err := p.wait(ctx, backoff); err != nil {
			return pipeline.FetchResult{AttemptCount: attempts}, err
		}
	}
}

// persist writes outcome with its own retry budget. All store failures
// retry until the budget runs out; cancellation stops immediately.
func (p *Processor) persist(ctx context.Context, outcome pipeline.Outcome) error {
	for attempt := 1; ; attempt++ {
		start := p.clock.Now()
		err := p.store.Upsert(ctx, outcome)
		if err == nil {
			metrics.ObservePersist(p.clock.Now().Sub(start))
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if attempt >= p.persistPolicy.MaxAttempts() {
			return err
		}
		metrics.IncPersistRetry()
		p.logger.Warn("persist failed, retrying",
			zap.String("outcome_id", outcome.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if werr := p.wait(ctx, p.persistPolicy.Backoff(attempt)); werr != nil {
			return werr
		}
	}
}

// wait sleeps for d, aborting on context cancellation or drain start.
func (p *Processor) wait(ctx context.Context, d time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.drain:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return p.clock.Sleep(waitCtx, d)
}

func (p *Processor) submitDeadLetter(task pipeline.Task, reason string, outcome *pipeline.Outcome, errText string) {
	entry := pipeline.DeadLetterEntry{
		Reason:    reason,
		Task:      &task,
		Outcome:   outcome,
		Topic:     task.Offset.Topic,
		Partition: task.Offset.Partition,
		MsgOffset: task.Offset.Offset,
		Error:     errText,
		FailedAt:  p.clock.Now(),
	}
	if !p.deadLetters.Submit(entry) {
		p.logger.Warn("dead letter entry dropped",
			zap.String("task_id", task.ID),
			zap.String("reason", reason),
		)
	}
}

func (p *Processor) resolve(r pipeline.Resolution) pipeline.Resolution {
	metrics.ObserveTask(r.String())
	return r
}

func (p *Processor) attemptDuration(start time.Time, resp pipeline.FetchResponse) time.Duration {
	if resp.Duration > 0 {
		return resp.Duration
	}
	return p.clock.Now().Sub(start)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
