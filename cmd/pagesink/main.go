// Package main wires together the pagesink service binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pagesink/pagesink/internal/api"
	brokerkafka "github.com/pagesink/pagesink/internal/broker/kafka"
	brokermemory "github.com/pagesink/pagesink/internal/broker/memory"
	"github.com/pagesink/pagesink/internal/clock/system"
	"github.com/pagesink/pagesink/internal/config"
	"github.com/pagesink/pagesink/internal/coordinator"
	"github.com/pagesink/pagesink/internal/deadletter"
	filesink "github.com/pagesink/pagesink/internal/deadletter/file"
	kafkasink "github.com/pagesink/pagesink/internal/deadletter/kafka"
	logsink "github.com/pagesink/pagesink/internal/deadletter/log"
	dedupmemory "github.com/pagesink/pagesink/internal/dedup/memory"
	dedupredis "github.com/pagesink/pagesink/internal/dedup/redis"
	docmemory "github.com/pagesink/pagesink/internal/docstore/memory"
	docmongo "github.com/pagesink/pagesink/internal/docstore/mongo"
	docpostgres "github.com/pagesink/pagesink/internal/docstore/postgres"
	collyfetcher "github.com/pagesink/pagesink/internal/fetcher/colly"
	"github.com/pagesink/pagesink/internal/hash/sha256"
	"github.com/pagesink/pagesink/internal/id/uuid"
	"github.com/pagesink/pagesink/internal/logging"
	"github.com/pagesink/pagesink/internal/metrics"
	"github.com/pagesink/pagesink/internal/pipeline"
	"github.com/pagesink/pagesink/internal/worker"
)

const memorySourceCapacity = 256

// seedURLs feed the memory broker so the pipeline can be exercised without
// Kafka. Each becomes one task message spread across two partitions.
var seedURLs = []string{
	"https://example.com/",
	"https://example.org/",
	"https://go.dev/",
	"https://www.iana.org/help/example-domains",
	"https://httpbin.org/html",
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()

	idGen := uuid.New()
	runID, err := idGen.NewID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run id failed: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("run_id", runID))
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	hasher := sha256.New()

	source, err := buildSource(ctx, cfg, idGen, logger)
	if err != nil {
		fatal(logger, "broker init failed", err)
	}
	store, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		fatal(logger, "store init failed", err)
	}
	sink, closeSink, err := buildSink(cfg, logger)
	if err != nil {
		fatal(logger, "dead letter sink init failed", err)
	}
	guard, closeGuard, err := buildGuard(cfg.Dedup, clock, logger)
	if err != nil {
		fatal(logger, "dedup guard init failed", err)
	}

	deadLetters := deadletter.NewHandler(
		sink,
		deadletter.WithQueueSize(cfg.DeadLetter.QueueSize),
		deadletter.WithLogger(logger.Named("deadletter")),
		deadletter.WithClock(clock),
	)
	// Background, not the signal context: entries queued while draining
	// still have to reach the sink. Close waits for the queue to empty.
	go deadLetters.Run(context.Background())

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Fetch.Timeout(),
		MaxBodySize: cfg.Fetch.MaxBodyBytes,
	})
	decoder := pipeline.NewDecoder(hasher)
	fetchPolicy := pipeline.NewRetryPolicy(cfg.Fetch.MaxAttempts, cfg.Fetch.BackoffBase(), cfg.Fetch.BackoffMax())
	persistPolicy := pipeline.NewRetryPolicy(cfg.Pipeline.PersistAttempts, cfg.Pipeline.PersistBackoffBase(), cfg.Pipeline.PersistBackoffMax())

	drain := make(chan struct{})
	processor := worker.New(
		fetcher,
		store,
		deadLetters,
		guard,
		clock,
		fetchPolicy,
		persistPolicy,
		drain,
		worker.Config{
			FetchTimeout: cfg.Fetch.Timeout(),
			UserAgent:    cfg.Fetch.UserAgent,
		},
		logger.Named("worker"),
	)
	coord := coordinator.New(
		source,
		decoder,
		processor,
		deadLetters,
		clock,
		drain,
		coordinator.Config{
			MaxConcurrentFetches: cfg.Pipeline.MaxConcurrentFetches,
			DrainGrace:           cfg.Pipeline.DrainGrace(),
			PollBackoff:          cfg.Broker.PollBackoff(),
			MaxPollFailures:      cfg.Broker.MaxPollFailures,
		},
		logger.Named("coordinator"),
	)

	apiServer := api.NewServer(coord, deadLetters, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("pipeline started",
		zap.String("broker", cfg.Broker.Provider),
		zap.String("topic", cfg.Broker.Topic),
		zap.String("store", cfg.Store.Provider),
		zap.String("dead_letter", cfg.DeadLetter.Provider),
		zap.Int("max_concurrent_fetches", cfg.Pipeline.MaxConcurrentFetches),
	)
	runErr := coord.Run(ctx)

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	deadLetters.Close()
	if err := closeSink(); err != nil {
		logger.Warn("dead letter sink close error", zap.Error(err))
	}
	if err := closeGuard(); err != nil {
		logger.Warn("dedup guard close error", zap.Error(err))
	}
	if err := closeStore(shutdownCtx); err != nil {
		logger.Warn("store close error", zap.Error(err))
	}
	if runErr != nil {
		fatal(logger, "pipeline terminated", runErr)
	}
	logger.Info("shutdown complete")
}

func fatal(logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	logger.Sync() //nolint:errcheck // best-effort flush before exit
	os.Exit(1)
}

func buildSource(ctx context.Context, cfg config.Config, idGen *uuid.Generator, logger *zap.Logger) (pipeline.Source, error) {
	switch cfg.Broker.Provider {
	case "memory":
		src := brokermemory.NewSource(cfg.Broker.Topic, memorySourceCapacity)
		n, err := seedMemorySource(ctx, src, idGen)
		if err != nil {
			return nil, fmt.Errorf("seed memory source: %w", err)
		}
		logger.Info("using memory broker source", zap.Int("seeded_tasks", n))
		return src, nil
	case "kafka":
		logger.Info("connecting to kafka",
			zap.Strings("brokers", cfg.Broker.Brokers),
			zap.String("topic", cfg.Broker.Topic),
			zap.String("group", cfg.Broker.Group),
		)
		return brokerkafka.NewSource(brokerkafka.Config{
			SeedBrokers: cfg.Broker.Brokers,
			Topic:       cfg.Broker.Topic,
			Group:       cfg.Broker.Group,
		}, logger.Named("kafka"))
	default:
		return nil, fmt.Errorf("unknown broker provider: %s", cfg.Broker.Provider)
	}
}

// seedMemorySource publishes one task per seed URL so a provider-less run has
// work to do. The source stays open; the service drains on signal as usual.
func seedMemorySource(ctx context.Context, src *brokermemory.Source, idGen *uuid.Generator) (int, error) {
	for i, url := range seedURLs {
		id, err := idGen.NewID()
		if err != nil {
			return i, err
		}
		payload, err := json.Marshal(struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}{ID: id, URL: url})
		if err != nil {
			return i, err
		}
		if _, err := src.Publish(ctx, int32(i%2), payload); err != nil {
			return i, err
		}
	}
	return len(seedURLs), nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (pipeline.DocumentStore, func(context.Context) error, error) {
	switch cfg.Provider {
	case "memory":
		logger.Info("using memory document store")
		return docmemory.NewStore(), func(context.Context) error { return nil }, nil
	case "postgres":
		logger.Info("connecting to postgres", zap.String("table", cfg.Table))
		store, err := docpostgres.NewStore(ctx, docpostgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error {
			store.Close()
			return nil
		}, nil
	case "mongo":
		logger.Info("connecting to mongodb",
			zap.String("database", cfg.Database),
			zap.String("collection", cfg.Collection),
		)
		store, err := docmongo.NewStore(ctx, docmongo.Config{
			URI:        cfg.URI,
			Database:   cfg.Database,
			Collection: cfg.Collection,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store provider: %s", cfg.Provider)
	}
}

func buildSink(cfg config.Config, logger *zap.Logger) (pipeline.DeadLetterSink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.DeadLetter.Provider {
	case "log":
		return logsink.New(logger.Named("deadletter.sink")), noop, nil
	case "file":
		logger.Info("dead letters append to file", zap.String("path", cfg.DeadLetter.Path))
		sink, err := filesink.New(cfg.DeadLetter.Path)
		if err != nil {
			return nil, nil, err
		}
		return sink, noop, nil
	case "kafka":
		logger.Info("dead letters publish to kafka", zap.String("topic", cfg.DeadLetter.Topic))
		sink, err := kafkasink.New(kafkasink.Config{
			Brokers:  cfg.SinkBrokers(),
			Topic:    cfg.DeadLetter.Topic,
			ClientID: cfg.Broker.ClientID,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown dead letter provider: %s", cfg.DeadLetter.Provider)
	}
}

func buildGuard(cfg config.DedupConfig, clock pipeline.Clock, logger *zap.Logger) (pipeline.InflightGuard, func() error, error) {
	switch cfg.Provider {
	case "memory":
		return dedupmemory.NewGuard(), func() error { return nil }, nil
	case "redis":
		logger.Info("using redis in-flight guard", zap.String("addr", cfg.Addr))
		guard := dedupredis.NewGuard(dedupredis.Config{
			Addr: cfg.Addr,
			TTL:  cfg.TTL(),
		}, clock, logger.Named("dedup"))
		return guard, guard.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown dedup provider: %s", cfg.Provider)
	}
}
