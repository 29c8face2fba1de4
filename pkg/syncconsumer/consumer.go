// Package syncconsumer paces a data-topic consumer against a separate
// commit-log topic written by an upstream consumer group, per spec.md
// §4.3: the local read cursor never advances past the position the
// upstream group has acknowledged.
package syncconsumer

import (
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/metrics"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/rs/zerolog"
)

// InitialOffsetReset selects where a partition with no committed local
// offset starts reading from.
type InitialOffsetReset string

const (
	OffsetLatest   InitialOffsetReset = "latest"
	OffsetEarliest InitialOffsetReset = "earliest"
)

// MessageHandler is invoked once per delivered message, in receipt
// order within a partition. It receives the owning session so the
// caller (pkg/batching) can control offset marking/commit itself:
// this package never calls session.MarkMessage or session.Commit —
// batch-versus-commit semantics belong entirely to the harness.
type MessageHandler func(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error

// Config configures the synchronized consumer.
type Config struct {
	DataTopic              string
	CommitLogTopic         string
	SynchronizeCommitGroup string
	InitialOffsetReset     InitialOffsetReset
}

// Consumer implements sarama.ConsumerGroupHandler for the data topic
// and separately drives a dedicated reader of the commit-log topic.
// It is the concrete form of the "synchronized consumer" component.
type Consumer struct {
	cfg        Config
	partitions *partitionTable
	handler    MessageHandler
	logger     zerolog.Logger

	commitLogConsumer sarama.Consumer
	stopCommitLog     chan struct{}
	commitLogWG       sync.WaitGroup
}

// NewConsumer builds a synchronized consumer. commitLogConsumer is a
// plain (non-group) sarama.Consumer used to tail the commit-log topic
// from its current tail on every partition — commit-log records for
// partitions not yet assigned to this instance are simply dropped,
// which is one of the two liveness-preserving choices spec.md §4.3
// explicitly leaves to the implementation.
func NewConsumer(cfg Config, commitLogConsumer sarama.Consumer, handler MessageHandler) *Consumer {
	return &Consumer{
		cfg:               cfg,
		partitions:        newPartitionTable(),
		handler:           handler,
		logger:            log.WithComponent("syncconsumer"),
		commitLogConsumer: commitLogConsumer,
		stopCommitLog:     make(chan struct{}),
	}
}

// Start begins tailing the commit-log topic. Must be called before the
// owning sarama.ConsumerGroup starts consuming the data topic.
func (c *Consumer) Start() error {
	partitions, err := c.commitLogConsumer.Partitions(c.cfg.CommitLogTopic)
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		pc, err := c.commitLogConsumer.ConsumePartition(c.cfg.CommitLogTopic, partition, sarama.OffsetNewest)
		if err != nil {
			return err
		}
		c.commitLogWG.Add(1)
		go c.consumeCommitLogPartition(pc)
	}
	return nil
}

// Stop halts the commit-log reader and unblocks any data-topic
// goroutines waiting on a revoked partition.
func (c *Consumer) Stop() {
	close(c.stopCommitLog)
	c.commitLogWG.Wait()
	c.partitions.revokeAll()
}

func (c *Consumer) consumeCommitLogPartition(pc sarama.PartitionConsumer) {
	defer c.commitLogWG.Done()
	defer pc.Close()
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			c.handleCommitLogMessage(msg)
		case <-c.stopCommitLog:
			return
		}
	}
}

func (c *Consumer) handleCommitLogMessage(msg *sarama.ConsumerMessage) {
	var record types.CommitLogRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		c.logger.Warn().Err(err).Msg("could not decode commit-log record")
		return
	}
	if record.Group != c.cfg.SynchronizeCommitGroup {
		return
	}
	tp := types.TopicPartition{Topic: record.Topic, Partition: record.Partition}
	if state, ok := c.partitions.get(tp); ok {
		state.updateRemoteOffset(record.Offset)
		metrics.SynchronizedConsumerLag.WithLabelValues(tp.Topic, itoa(tp.Partition)).Set(float64(state.lag()))
	}
}

// Setup implements sarama.ConsumerGroupHandler: every newly assigned
// partition starts PAUSED with an unknown remote offset, per spec.md
// §4.3's rebalance rule.
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	for topic, assigned := range session.Claims() {
		for _, partition := range assigned {
			tp := types.TopicPartition{Topic: topic, Partition: partition}
			c.partitions.assign(tp)
			session.Pause(map[string][]int32{topic: {partition}})
		}
	}
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler: discard state for
// revoked partitions.
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.partitions.revokeAll()
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. It gates
// delivery on the commit-log-derived remote offset per message: a
// message at offset o is only handed to the configured handler once
// the commit log has reported remote_offset > o for this partition and
// upstream group, which is the core invariant of spec.md §4.3/P5.
//
// Offset marking is deliberately NOT done here. The handler owns it
// (via the session it's given), because batch-commit semantics — only
// advance the offset after a batch flush succeeds — belong to
// pkg/batching, not to the pacing logic in this package.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tp := types.TopicPartition{Topic: claim.Topic(), Partition: claim.Partition()}
	state, ok := c.partitions.get(tp)
	if !ok {
		state = c.partitions.assign(tp)
	}

	running := false
	for msg := range claim.Messages() {
		if !state.waitUntilDeliverable(msg.Offset) {
			return nil // revoked while waiting
		}
		if !running {
			session.Resume(map[string][]int32{tp.Topic: {tp.Partition}})
			running = true
		}

		if err := c.handler(session, msg); err != nil {
			c.logger.Error().Err(err).Str("topic", tp.Topic).Int32("partition", tp.Partition).Msg("message handler failed")
		}
		state.markDelivered(msg.Offset)

		if !state.shouldRun() {
			session.Pause(map[string][]int32{tp.Topic: {tp.Partition}})
			running = false
		}
	}
	return nil
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
