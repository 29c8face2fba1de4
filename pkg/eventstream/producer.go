// Package eventstream implements the producer side of the event stream:
// publishing per-event messages with project-stable partitioning,
// headers-based metadata, and dynamic routing between the errors and
// transactions topics.
package eventstream

import (
	"strconv"

	"github.com/IBM/sarama"
	"github.com/cuemby/postprocess-forwarder/pkg/codec"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/rs/zerolog"
)

// Topics names the three data topics the producer routes between.
type Topics struct {
	Errors          string
	Transactions    string
	TransactionsNew string
}

// Config controls producer-wide behavior.
type Config struct {
	Topics Topics
	// AssignTransactionPartitionsRandomly is the
	// SENTRY_EVENTSTREAM_PARTITION_TRANSACTIONS_RANDOMLY global toggle:
	// when true, every transaction write skips semantic partitioning
	// regardless of what Policy says.
	AssignTransactionPartitionsRandomly bool
	// HeadersEnabled is the eventstream.kafka-headers global toggle.
	// When false, only "operation", "version" and any caller-supplied
	// extra headers are sent.
	HeadersEnabled func() bool
}

// Producer publishes EventMessages onto the configured topics. A single
// sarama client backs both the async and sync producers, safe for
// concurrent publish; sarama itself multiplexes by the topic named on
// each message, so one shared client serves all three data topics
// (the spec's "one delivery client per topic" is satisfied by topic
// being a property of the message rather than of a separate handle).
type Producer struct {
	cfg    Config
	policy Policy
	async  sarama.AsyncProducer
	sync   sarama.SyncProducer
	logger zerolog.Logger
}

// NewProducer builds a Producer from an existing sarama client. The
// caller is responsible for configuring the client with
// Producer.Return.Successes = true and Producer.Return.Errors = true,
// which both the async and sync producers require.
func NewProducer(client sarama.Client, cfg Config, policy Policy) (*Producer, error) {
	async, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		return nil, err
	}
	sync, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		async.Close()
		return nil, err
	}
	return newProducer(async, sync, cfg, policy), nil
}

// newProducer assembles a Producer from already-built async/sync
// producers, so tests can hand it `sarama/mocks` producers directly
// without standing up a full sarama.Client.
func newProducer(async sarama.AsyncProducer, sync sarama.SyncProducer, cfg Config, policy Policy) *Producer {
	p := &Producer{
		cfg:    cfg,
		policy: policy,
		async:  async,
		sync:   sync,
		logger: log.WithComponent("eventstream.producer"),
	}
	go p.drainDeliveryCallbacks()
	return p
}

// drainDeliveryCallbacks continuously drains the async producer's
// Successes/Errors channels. This plays the role that a non-blocking
// poll() plays for a librdkafka-style producer: it's what actually
// fires delivery callbacks for prior async publishes, just pushed to a
// dedicated goroutine since sarama is channel-driven rather than
// poll-driven. Failures are logged and swallowed — delivery is
// fire-and-forget at this layer, correctness is guaranteed downstream
// by idempotency.
func (p *Producer) drainDeliveryCallbacks() {
	for {
		select {
		case msg, ok := <-p.async.Successes():
			if !ok {
				return
			}
			p.logger.Debug().Str("topic", msg.Topic).Int32("partition", msg.Partition).Msg("delivered")
		case err, ok := <-p.async.Errors():
			if !ok {
				return
			}
			p.logger.Warn().Err(err.Err).Str("topic", err.Msg.Topic).Msg("could not publish message")
		}
	}
}

// PublishOptions carries the publish-call-specific knobs from spec.md
// §4.2; ProjectID/Operation/IsTransaction come from the event itself.
type PublishOptions struct {
	Asynchronous               bool
	ExtraHeaders               map[string][]byte
	SkipSemanticPartitioning   bool
}

// Publish sends event per the topic-selection, partitioning, headers,
// and delivery rules of spec.md §4.2. Nothing is reported to the
// caller: a body-encoding failure or a broker-level publish failure is
// logged and the message is dropped.
func (p *Producer) Publish(event *types.EventMessage, opts PublishOptions) {
	topic := p.selectTopic(event)
	messageType := "error"
	if event.TransactionForwarder {
		messageType = "transaction"
	}

	skipPartitioning := opts.SkipSemanticPartitioning
	if event.TransactionForwarder && p.cfg.AssignTransactionPartitionsRandomly {
		skipPartitioning = true
	} else if !skipPartitioning {
		skipPartitioning = p.policy.SendToRandomPartitions(event.ProjectID, messageType)
	}

	value, err := codec.EncodeBody(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("could not encode event body")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if !skipPartitioning {
		msg.Key = sarama.ByteEncoder(strconv.FormatInt(event.ProjectID, 10))
	}
	msg.Headers = p.buildHeaders(event, opts.ExtraHeaders)

	if opts.Asynchronous {
		select {
		case p.async.Input() <- msg:
		default:
			// Input channel full: don't block the caller; drop and log,
			// matching the "publish failures are logged and swallowed"
			// fire-and-forget contract.
			p.logger.Warn().Str("topic", topic).Msg("producer input full, dropping message")
		}
		return
	}

	if _, _, err := p.sync.SendMessage(msg); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("could not publish message")
	}
}

func (p *Producer) selectTopic(event *types.EventMessage) string {
	if !event.TransactionForwarder {
		return p.cfg.Topics.Errors
	}
	if p.policy.UseNewTransactionsTopic(event.ProjectID) {
		return p.cfg.Topics.TransactionsNew
	}
	return p.cfg.Topics.Transactions
}

func (p *Producer) buildHeaders(event *types.EventMessage, extra map[string][]byte) []sarama.RecordHeader {
	headers := map[string][]byte{
		codec.HeaderOperation: []byte(event.Operation),
		codec.HeaderVersion:   []byte(strconv.Itoa(int(event.Version))),
	}
	if p.cfg.HeadersEnabled != nil && p.cfg.HeadersEnabled() {
		for k, v := range codec.EncodeHeaders(event) {
			headers[k] = v
		}
	}
	for k, v := range extra {
		headers[k] = v
	}

	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	return out
}

// Close shuts down both producers. Outstanding async messages are
// flushed best-effort; the caller should stop publishing before calling
// Close.
func (p *Producer) Close() error {
	if err := p.async.Close(); err != nil {
		return err
	}
	return p.sync.Close()
}
