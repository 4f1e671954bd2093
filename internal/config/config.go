// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Store      StoreConfig      `mapstructure:"store"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrokerConfig selects and tunes the task source.
type BrokerConfig struct {
	Provider        string   `mapstructure:"provider"`
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	Group           string   `mapstructure:"group"`
	ClientID        string   `mapstructure:"client_id"`
	PollBackoffMs   int      `mapstructure:"poll_backoff_ms"`
	MaxPollFailures int      `mapstructure:"max_poll_failures"`
}

// FetchConfig governs HTTP retrieval and its retry budget.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffBaseMs  int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int    `mapstructure:"backoff_max_ms"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// PipelineConfig governs admission, persistence retry, and drain behavior.
type PipelineConfig struct {
	MaxConcurrentFetches int `mapstructure:"max_concurrent_fetches"`
	PersistAttempts      int `mapstructure:"persist_attempts"`
	PersistBackoffBaseMs int `mapstructure:"persist_backoff_base_ms"`
	PersistBackoffMaxMs  int `mapstructure:"persist_backoff_max_ms"`
	DrainGraceSeconds    int `mapstructure:"drain_grace_seconds"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Provider   string `mapstructure:"provider"`
	DSN        string `mapstructure:"dsn"`
	URI        string `mapstructure:"uri"`
	Table      string `mapstructure:"table"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	MaxConns   int    `mapstructure:"max_conns"`
}

// DeadLetterConfig selects the dead letter sink. Kafka sinks fall back to
// broker.brokers when no dedicated brokers are listed.
type DeadLetterConfig struct {
	Provider  string   `mapstructure:"provider"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Path      string   `mapstructure:"path"`
	QueueSize int      `mapstructure:"queue_size"`
}

// DedupConfig tunes the in-flight admission guard.
type DedupConfig struct {
	Provider   string `mapstructure:"provider"`
	Addr       string `mapstructure:"addr"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. An explicit path must exist;
// with an empty path the default locations are searched and a missing file
// is tolerated.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("pagesink")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pagesink/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.provider", "memory")
	v.SetDefault("broker.topic", "pagesink.fetch.requests")
	v.SetDefault("broker.group", "pagesink")
	v.SetDefault("broker.client_id", "pagesink")
	v.SetDefault("broker.poll_backoff_ms", 2000)
	v.SetDefault("broker.max_poll_failures", 5)

	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base_ms", 100)
	v.SetDefault("fetch.backoff_max_ms", 2000)
	v.SetDefault("fetch.user_agent", "pagesink/0.1")
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)

	v.SetDefault("pipeline.max_concurrent_fetches", 10)
	v.SetDefault("pipeline.persist_attempts", 3)
	v.SetDefault("pipeline.persist_backoff_base_ms", 100)
	v.SetDefault("pipeline.persist_backoff_max_ms", 1000)
	v.SetDefault("pipeline.drain_grace_seconds", 30)

	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.table", "outcomes")
	v.SetDefault("store.database", "pagesink")
	v.SetDefault("store.collection", "pages")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("deadletter.provider", "log")
	v.SetDefault("deadletter.topic", "pagesink.fetch.deadletter")
	v.SetDefault("deadletter.queue_size", 256)

	v.SetDefault("dedup.provider", "memory")
	v.SetDefault("dedup.ttl_seconds", 300)

	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}

	switch c.Broker.Provider {
	case "memory":
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers must be set for the kafka provider")
		}
		if c.Broker.Topic == "" {
			return fmt.Errorf("broker.topic must be set for the kafka provider")
		}
		if c.Broker.Group == "" {
			return fmt.Errorf("broker.group must be set for the kafka provider")
		}
	default:
		return fmt.Errorf("broker.provider %q is not one of memory, kafka", c.Broker.Provider)
	}
	if c.Broker.PollBackoffMs <= 0 {
		return fmt.Errorf("broker.poll_backoff_ms must be > 0")
	}
	if c.Broker.MaxPollFailures <= 0 {
		return fmt.Errorf("broker.max_poll_failures must be > 0")
	}

	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be >= 1")
	}
	if c.Fetch.BackoffBaseMs <= 0 {
		return fmt.Errorf("fetch.backoff_base_ms must be > 0")
	}
	if c.Fetch.BackoffMaxMs < c.Fetch.BackoffBaseMs {
		return fmt.Errorf("fetch.backoff_max_ms must be >= fetch.backoff_base_ms")
	}
	if c.Fetch.MaxBodyBytes < 0 {
		return fmt.Errorf("fetch.max_body_bytes must be >= 0")
	}

	if c.Pipeline.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_fetches must be > 0")
	}
	if c.Pipeline.PersistAttempts < 1 {
		return fmt.Errorf("pipeline.persist_attempts must be >= 1")
	}
	if c.Pipeline.PersistBackoffBaseMs <= 0 {
		return fmt.Errorf("pipeline.persist_backoff_base_ms must be > 0")
	}
	if c.Pipeline.PersistBackoffMaxMs < c.Pipeline.PersistBackoffBaseMs {
		return fmt.Errorf("pipeline.persist_backoff_max_ms must be >= pipeline.persist_backoff_base_ms")
	}
	if c.Pipeline.DrainGraceSeconds <= 0 {
		return fmt.Errorf("pipeline.drain_grace_seconds must be > 0")
	}

	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres provider")
		}
	case "mongo":
		if c.Store.URI == "" {
			return fmt.Errorf("store.uri must be set for the mongo provider")
		}
	default:
		return fmt.Errorf("store.provider %q is not one of memory, postgres, mongo", c.Store.Provider)
	}

	switch c.DeadLetter.Provider {
	case "log":
	case "file":
		if c.DeadLetter.Path == "" {
			return fmt.Errorf("deadletter.path must be set for the file provider")
		}
	case "kafka":
		if c.DeadLetter.Topic == "" {
			return fmt.Errorf("deadletter.topic must be set for the kafka provider")
		}
		if len(c.DeadLetter.Brokers) == 0 && len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("deadletter.brokers must be set for the kafka provider")
		}
	default:
		return fmt.Errorf("deadletter.provider %q is not one of log, file, kafka", c.DeadLetter.Provider)
	}
	if c.DeadLetter.QueueSize <= 0 {
		return fmt.Errorf("deadletter.queue_size must be > 0")
	}

	switch c.Dedup.Provider {
	case "memory":
	case "redis":
		if c.Dedup.Addr == "" {
			return fmt.Errorf("dedup.addr must be set for the redis provider")
		}
	default:
		return fmt.Errorf("dedup.provider %q is not one of memory, redis", c.Dedup.Provider)
	}
	if c.Dedup.TTLSeconds <= 0 {
		return fmt.Errorf("dedup.ttl_seconds must be > 0")
	}

	return nil
}

// PollBackoff converts the poll backoff into a duration.
func (c BrokerConfig) PollBackoff() time.Duration {
	return time.Duration(c.PollBackoffMs) * time.Millisecond
}

// Timeout converts the per-attempt fetch timeout into a duration.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase converts the fetch backoff base into a duration.
func (c FetchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax converts the fetch backoff cap into a duration.
func (c FetchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// PersistBackoffBase converts the persist backoff base into a duration.
func (c PipelineConfig) PersistBackoffBase() time.Duration {
	return time.Duration(c.PersistBackoffBaseMs) * time.Millisecond
}

// PersistBackoffMax converts the persist backoff cap into a duration.
func (c PipelineConfig) PersistBackoffMax() time.Duration {
	return time.Duration(c.PersistBackoffMaxMs) * time.Millisecond
}

// DrainGrace converts the drain grace into a duration.
func (c PipelineConfig) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSeconds) * time.Second
}

// TTL converts the guard lease TTL into a duration.
func (c DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SinkBrokers returns the dead letter brokers, falling back to the consumer
// brokers when none are configured.
func (c Config) SinkBrokers() []string {
	if len(c.DeadLetter.Brokers) > 0 {
		return c.DeadLetter.Brokers
	}
	return c.Broker.Brokers
}
