// Package config loads the forwarder's operational configuration: a
// YAML file with CLI flag overrides layered on top, matching the
// layering cmd/warren's apply command uses for its own YAML resources.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/postprocess-forwarder/pkg/forwarder"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/syncconsumer"
	"gopkg.in/yaml.v3"
)

// RedisConfig points at the Redis instance backing the cache, lock
// manager, event processing store, and task queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ForwarderConfig is the full operational surface of spec.md §6: which
// entity variant to run, which topics to read/write, how the
// synchronized consumer paces itself, and how the batch harness sizes
// its flushes.
type ForwarderConfig struct {
	Entity                 forwarder.Kind            `yaml:"entity"`
	Brokers                []string                  `yaml:"brokers"`
	ConsumerGroup          string                    `yaml:"consumer_group"`
	Topic                  string                    `yaml:"topic"`
	CommitLogTopic         string                    `yaml:"commit_log_topic"`
	SynchronizeCommitGroup string                    `yaml:"synchronize_commit_group"`
	CommitBatchSize        int                       `yaml:"commit_batch_size"`
	CommitBatchTimeoutMs   int                       `yaml:"commit_batch_timeout_ms"`
	Concurrency            int                       `yaml:"concurrency"`
	InitialOffsetReset     syncconsumer.InitialOffsetReset `yaml:"initial_offset_reset"`
	Redis                  RedisConfig               `yaml:"redis"`
	LogLevel               log.Level                 `yaml:"log_level"`
	LogJSON                bool                      `yaml:"log_json"`
	MetricsAddr            string                    `yaml:"metrics_addr"`
}

// defaultTopics maps an entity variant onto the data topic it reads
// from when --topic is not given explicitly.
var defaultTopics = map[forwarder.Kind]string{
	forwarder.All:              "ingest-events",
	forwarder.ErrorsOnly:       "ingest-events",
	forwarder.TransactionsOnly: "ingest-transactions",
}

// CommitBatchTimeout is the configured commit batch timeout as a
// time.Duration.
func (c ForwarderConfig) CommitBatchTimeout() time.Duration {
	return time.Duration(c.CommitBatchTimeoutMs) * time.Millisecond
}

// DefaultTopic returns the entity's default data topic.
func (c ForwarderConfig) DefaultTopic() string {
	return defaultTopics[c.Entity]
}

// Load reads a YAML config file at path. A missing path is not an
// error: an empty ForwarderConfig is returned, and the caller is
// expected to have CLI flags fill in everything required.
func Load(path string) (ForwarderConfig, error) {
	var cfg ForwarderConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that every field required to start the forwarder is
// present, after flag overrides have been layered onto the loaded
// file. It does not default Topic — that's DefaultTopic's job, applied
// by the caller once entity is known to be valid.
func (c ForwarderConfig) Validate() error {
	switch c.Entity {
	case forwarder.All, forwarder.ErrorsOnly, forwarder.TransactionsOnly:
	default:
		return fmt.Errorf("entity must be one of all, errors-only, transactions-only, got %q", c.Entity)
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer-group is required")
	}
	if c.CommitLogTopic == "" {
		return fmt.Errorf("commit-log-topic is required")
	}
	if c.SynchronizeCommitGroup == "" {
		return fmt.Errorf("synchronize-commit-group is required")
	}
	if c.CommitBatchSize <= 0 {
		return fmt.Errorf("commit-batch-size must be positive")
	}
	if c.CommitBatchTimeoutMs <= 0 {
		return fmt.Errorf("commit-batch-timeout-ms must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	switch c.InitialOffsetReset {
	case syncconsumer.OffsetLatest, syncconsumer.OffsetEarliest:
	default:
		return fmt.Errorf("initial-offset-reset must be latest or earliest, got %q", c.InitialOffsetReset)
	}
	return nil
}
