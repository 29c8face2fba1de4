package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/cuemby/postprocess-forwarder/pkg/batching"
	"github.com/cuemby/postprocess-forwarder/pkg/config"
	"github.com/cuemby/postprocess-forwarder/pkg/forwarder"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/metrics"
	"github.com/cuemby/postprocess-forwarder/pkg/syncconsumer"
	"github.com/cuemby/postprocess-forwarder/pkg/taskqueue"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "post-process-forwarder",
	Short: "Forwards error/transaction events into the post-process task queue",
	Long: `post-process-forwarder consumes an ingest event stream, paces
itself against a separate commit-log topic, and enqueues post-process
tasks for the events it is responsible for (errors, transactions, or
both).`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file; CLI flags override its values")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the forwarder",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("entity", "", "Forwarder variant: all, errors, or transactions (required)")
	startCmd.Flags().StringSlice("brokers", []string{"127.0.0.1:9092"}, "Kafka broker addresses")
	startCmd.Flags().String("consumer-group", "", "Consumer group for the data topic (required)")
	startCmd.Flags().String("topic", "", "Data topic to consume; defaults to the entity's topic")
	startCmd.Flags().String("commit-log-topic", "", "Commit-log topic to synchronize against (required)")
	startCmd.Flags().String("synchronize-commit-group", "", "Upstream consumer group to synchronize against (required)")
	startCmd.Flags().Int("commit-batch-size", 100, "Maximum messages per batch before a flush/commit")
	startCmd.Flags().Int("commit-batch-timeout-ms", 1000, "Maximum batch age in milliseconds before a flush/commit")
	startCmd.Flags().Int("concurrency", 4, "Bounded worker pool size for decode+dispatch")
	startCmd.Flags().String("initial-offset-reset", "latest", "Initial offset for partitions with no committed offset: latest or earliest")
	startCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address backing cache/lock/task-queue")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
}

// entityKind maps the CLI's --entity spelling onto forwarder.Kind; the
// CLI uses spec.md §6's {all,errors,transactions} vocabulary, which
// does not exactly match forwarder.Kind's {all,errors-only,
// transactions-only} values.
func entityKind(flag string) (forwarder.Kind, error) {
	switch flag {
	case "all":
		return forwarder.All, nil
	case "errors":
		return forwarder.ErrorsOnly, nil
	case "transactions":
		return forwarder.TransactionsOnly, nil
	default:
		return "", fmt.Errorf("--entity must be one of all, errors, transactions, got %q", flag)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.WithComponent("main")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	enqueuer := taskqueue.NewRedisEnqueuer(redisClient, "postprocess")
	worker := forwarder.NewWorker(cfg.Entity, enqueuer)

	harness := batching.NewHarness(batching.Config{
		MaxBatchSize:     cfg.CommitBatchSize,
		MaxBatchTime:     cfg.CommitBatchTimeout(),
		CommitOnShutdown: true,
		Concurrency:      cfg.Concurrency,
	}, worker)
	harness.Start()
	defer harness.Stop()

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.InitialOffsetReset == syncconsumer.OffsetEarliest {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	commitLogClient, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("connecting to Kafka: %w", err)
	}
	defer commitLogClient.Close()
	commitLogConsumer, err := sarama.NewConsumerFromClient(commitLogClient)
	if err != nil {
		return fmt.Errorf("creating commit-log consumer: %w", err)
	}
	defer commitLogConsumer.Close()

	syncCfg := syncconsumer.Config{
		DataTopic:              cfg.Topic,
		CommitLogTopic:         cfg.CommitLogTopic,
		SynchronizeCommitGroup: cfg.SynchronizeCommitGroup,
		InitialOffsetReset:     cfg.InitialOffsetReset,
	}
	consumer := syncconsumer.NewConsumer(syncCfg, commitLogConsumer, harness.Handle)
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("starting commit-log reader: %w", err)
	}
	defer consumer.Stop()

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	defer group.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		for {
			if err := group.Consume(ctx, []string{cfg.Topic}, consumer); err != nil {
				errCh <- err
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		cancel()
		return fmt.Errorf("consumer group error: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}

func buildConfig(cmd *cobra.Command) (config.ForwarderConfig, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	entityFlag, _ := cmd.Flags().GetString("entity")
	if entityFlag != "" {
		kind, err := entityKind(entityFlag)
		if err != nil {
			return cfg, err
		}
		cfg.Entity = kind
	}
	if brokers, _ := cmd.Flags().GetStringSlice("brokers"); cmd.Flags().Changed("brokers") || len(cfg.Brokers) == 0 {
		cfg.Brokers = brokers
	}
	if v, _ := cmd.Flags().GetString("consumer-group"); v != "" {
		cfg.ConsumerGroup = v
	}
	if v, _ := cmd.Flags().GetString("topic"); v != "" {
		cfg.Topic = v
	}
	if v, _ := cmd.Flags().GetString("commit-log-topic"); v != "" {
		cfg.CommitLogTopic = v
	}
	if v, _ := cmd.Flags().GetString("synchronize-commit-group"); v != "" {
		cfg.SynchronizeCommitGroup = v
	}
	if v, _ := cmd.Flags().GetInt("commit-batch-size"); cmd.Flags().Changed("commit-batch-size") || cfg.CommitBatchSize == 0 {
		cfg.CommitBatchSize = v
	}
	if v, _ := cmd.Flags().GetInt("commit-batch-timeout-ms"); cmd.Flags().Changed("commit-batch-timeout-ms") || cfg.CommitBatchTimeoutMs == 0 {
		cfg.CommitBatchTimeoutMs = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); cmd.Flags().Changed("concurrency") || cfg.Concurrency == 0 {
		cfg.Concurrency = v
	}
	if v, _ := cmd.Flags().GetString("initial-offset-reset"); cmd.Flags().Changed("initial-offset-reset") || cfg.InitialOffsetReset == "" {
		cfg.InitialOffsetReset = syncconsumer.InitialOffsetReset(v)
	}
	if v, _ := cmd.Flags().GetString("redis-addr"); cmd.Flags().Changed("redis-addr") || cfg.Redis.Addr == "" {
		cfg.Redis.Addr = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); cmd.Flags().Changed("metrics-addr") || cfg.MetricsAddr == "" {
		cfg.MetricsAddr = v
	}

	if cfg.Topic == "" {
		cfg.Topic = cfg.DefaultTopic()
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
