// Package batching implements the size/time-bounded batch worker
// harness described in spec.md §4.4: messages are processed one at a
// time, accumulated into a batch, and offsets only advance once the
// batch has been flushed successfully.
package batching

import (
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/metrics"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/rs/zerolog"
)

// Worker is the per-message/per-batch contract the harness drives.
type Worker interface {
	// ProcessMessage classifies or decodes one message. A nil result
	// with a nil error means the message contributed no work, but its
	// offset still advances with the rest of the batch (the
	// errors-only/transactions-only forwarder's "not mine" case). A
	// non-nil error fails the entire in-flight batch the same way a
	// FlushBatch error does: nothing accumulated since the last
	// successful flush is committed, per spec.md §7's rule that
	// InvalidPayload/InvalidVersion/UnexpectedOperation must not
	// advance the commit position.
	ProcessMessage(msg *sarama.ConsumerMessage) (interface{}, error)
	// FlushBatch is called once the size or age bound is reached.
	// Offsets for every message seen since the last flush only advance
	// if this returns nil.
	FlushBatch(batch []interface{}) error
}

// Config holds the harness parameters named in spec.md §4.4-5.
// Concurrency bounds the worker pool that serves ProcessMessage (the
// decode+dispatch step of spec.md §5's forwarder tier); zero or
// negative disables bounding (unlimited in-flight ProcessMessage
// calls).
type Config struct {
	MaxBatchSize     int
	MaxBatchTime     time.Duration
	CommitOnShutdown bool
	Concurrency      int
}

// Harness accumulates ProcessMessage results across one or more
// partitions and flushes them as a unit. It implements
// syncconsumer.MessageHandler via Handle, so it can sit directly behind
// a synchronized consumer or an ordinary sarama consumer group.
type Harness struct {
	cfg    Config
	worker Worker
	logger zerolog.Logger

	mu            sync.Mutex
	batch         []interface{}
	pending       map[types.TopicPartition]int64 // offset to mark (highest seen + 1), per partition
	batchOpenedAt time.Time
	session       sarama.ConsumerGroupSession

	sem  chan struct{} // bounds concurrent ProcessMessage calls; nil if unbounded
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHarness builds a Harness. Call Start before consuming and Stop
// during shutdown.
func NewHarness(cfg Config, worker Worker) *Harness {
	h := &Harness{
		cfg:     cfg,
		worker:  worker,
		logger:  log.WithComponent("batching"),
		pending: make(map[types.TopicPartition]int64),
		stop:    make(chan struct{}),
	}
	if cfg.Concurrency > 0 {
		h.sem = make(chan struct{}, cfg.Concurrency)
	}
	return h
}

// Start begins the age-based flush loop in the background.
func (h *Harness) Start() {
	h.wg.Add(1)
	go h.ageLoop()
}

// Stop ends the age-based flush loop and performs the shutdown flush:
// the harness's current batch is flushed, and offsets are committed
// only if CommitOnShutdown is set, matching spec.md §4.4's shutdown
// rule. Outstanding async work belonging to the caller's Worker is the
// caller's responsibility to drain before calling Stop.
func (h *Harness) Stop() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return
	}
	h.flush(session, h.cfg.CommitOnShutdown)
}

func (h *Harness) ageLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			due := len(h.batch) > 0 && time.Since(h.batchOpenedAt) >= h.cfg.MaxBatchTime
			session := h.session
			h.mu.Unlock()
			if due && session != nil {
				h.flush(session, true)
			}
		case <-h.stop:
			return
		}
	}
}

// Handle implements syncconsumer.MessageHandler. It is safe to call
// concurrently from multiple partition-consuming goroutines; the batch
// it accumulates spans every partition claimed by this consumer.
func (h *Harness) Handle(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	if h.sem != nil {
		h.sem <- struct{}{}
		defer func() { <-h.sem }()
	}
	result, procErr := h.worker.ProcessMessage(msg)
	if procErr != nil {
		metrics.DecodeErrors.WithLabelValues("process_message").Inc()
		h.logger.Error().Err(procErr).Str("topic", msg.Topic).Int32("partition", msg.Partition).Msg("process_message failed, discarding batch without commit")
		h.failBatch(session)
		return procErr
	}

	h.mu.Lock()
	h.session = session
	if len(h.batch) == 0 {
		h.batchOpenedAt = time.Now()
	}
	tp := types.TopicPartition{Topic: msg.Topic, Partition: msg.Partition}
	if next := msg.Offset + 1; next > h.pending[tp] {
		h.pending[tp] = next
	}
	if result != nil {
		h.batch = append(h.batch, result)
	}
	full := len(h.batch) >= h.cfg.MaxBatchSize
	h.mu.Unlock()

	if full {
		h.flush(session, true)
	}
	return nil
}

// failBatch discards whatever has accumulated since the last
// successful flush without marking or committing any offset, mirroring
// a failed FlushBatch (see flush's error path). Used when
// ProcessMessage itself fails a decode, so a message that can never be
// successfully processed doesn't get silently skipped past.
func (h *Harness) failBatch(session sarama.ConsumerGroupSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = session
	if len(h.batch) == 0 && len(h.pending) == 0 {
		return
	}
	h.resetLocked()
}

func (h *Harness) flush(session sarama.ConsumerGroupSession, commit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.batch) == 0 && len(h.pending) == 0 {
		return
	}

	timer := metrics.NewTimer()
	err := h.worker.FlushBatch(h.batch)
	timer.ObserveDuration(metrics.BatchFlushDuration)
	metrics.BatchSize.Observe(float64(len(h.batch)))

	if err != nil {
		// No offset advance for a batch that failed to flush: the
		// messages are effectively redelivered on the next rebalance
		// or restart, since nothing committed past them.
		h.logger.Error().Err(err).Int("batch_size", len(h.batch)).Msg("flush_batch failed, offsets not advanced")
		h.resetLocked()
		return
	}

	if commit {
		for tp, offset := range h.pending {
			session.MarkOffset(tp.Topic, tp.Partition, offset, "")
		}
		session.Commit()
	}
	h.resetLocked()
}

func (h *Harness) resetLocked() {
	h.batch = nil
	h.pending = make(map[types.TopicPartition]int64)
}
