// Package forwarder implements the three post-process forwarder worker
// variants of spec.md §4.5: all, errors-only, and transactions-only.
// They share one body and differ only in the classification predicate
// applied to each message before it's decoded and enqueued.
package forwarder

import (
	"context"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/cuemby/postprocess-forwarder/pkg/codec"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/metrics"
	"github.com/cuemby/postprocess-forwarder/pkg/taskqueue"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/rs/zerolog"
)

// Kind selects which classification predicate a Worker applies.
type Kind string

const (
	All              Kind = "all"
	ErrorsOnly       Kind = "errors-only"
	TransactionsOnly Kind = "transactions-only"
)

// Worker implements batching.Worker: it classifies, decodes, and
// enqueues post-process tasks for qualifying messages.
type Worker struct {
	kind     Kind
	enqueuer taskqueue.Enqueuer
	logger   zerolog.Logger
}

func NewWorker(kind Kind, enqueuer taskqueue.Enqueuer) *Worker {
	return &Worker{
		kind:     kind,
		enqueuer: enqueuer,
		logger:   log.WithComponent("forwarder").With().Str("kind", string(kind)).Logger(),
	}
}

// classify reports whether msg belongs to this variant, per spec.md
// §4.5. It reads the raw transaction_forwarder header directly rather
// than going through the full decoder, since classification must work
// even for messages this variant will ultimately skip.
func (w *Worker) classify(msg *sarama.ConsumerMessage) bool {
	if w.kind == All {
		return true
	}
	isTransaction := headerEquals(msg.Headers, codec.HeaderTransactionForwarder, "1")
	if w.kind == TransactionsOnly {
		return isTransaction
	}
	return !isTransaction
}

func headerEquals(headers []*sarama.RecordHeader, key, want string) bool {
	for _, h := range headers {
		if string(h.Key) == key {
			return string(h.Value) == want
		}
	}
	return false
}

func headerMap(headers []*sarama.RecordHeader) map[string][]byte {
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		out[string(h.Key)] = h.Value
	}
	return out
}

// ProcessMessage implements batching.Worker. A nil, nil result means
// the message is not this variant's concern, or decoded to a no-op
// (skip_consume / unsupported operation) — in every case its offset
// still advances with the batch.
func (w *Worker) ProcessMessage(msg *sarama.ConsumerMessage) (interface{}, error) {
	if !w.classify(msg) {
		metrics.MessagesForwarded.WithLabelValues(string(w.kind), "not_mine").Inc()
		return nil, nil
	}

	result, err := codec.Decode(codec.Message{Headers: headerMap(msg.Headers), Value: msg.Value})
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	if result.Outcome == codec.OutcomeSkip {
		metrics.MessagesForwarded.WithLabelValues(string(w.kind), "skipped").Inc()
		return nil, nil
	}

	metrics.MessagesForwarded.WithLabelValues(string(w.kind), "dispatched").Inc()
	return buildKwargs(result.Record), nil
}

// FlushBatch enqueues one post-process task per batch item. An error
// from any Enqueue call fails the whole flush, per the batching
// harness's commit-after-flush-success contract.
func (w *Worker) FlushBatch(batch []interface{}) error {
	ctx := context.Background()
	for _, item := range batch {
		kwargs := item.(types.EnqueueKwargs)
		if err := w.enqueuer.Enqueue(ctx, kwargs); err != nil {
			return err
		}
	}
	return nil
}

func buildKwargs(rec types.DispatchRecord) types.EnqueueKwargs {
	return types.EnqueueKwargs{
		EventID:               rec.EventID,
		ProjectID:             rec.ProjectID,
		GroupID:               rec.GroupID,
		PrimaryHash:           rec.PrimaryHash,
		IsNew:                 rec.IsNew,
		IsRegression:          rec.IsRegression,
		IsNewGroupEnvironment: rec.IsNewGroupEnvironment,
		GroupStates:           rec.GroupStates,
		CacheKey:              CacheKey(rec.ProjectID, rec.EventID),
	}
}

// CacheKey deterministically derives the event-processing-store key
// from (project_id, event_id), per spec.md §4.5.
func CacheKey(projectID int64, eventID string) string {
	return "e:" + strconv.FormatInt(projectID, 10) + ":" + eventID
}

func errorKind(err error) string {
	switch err.(type) {
	case *codec.InvalidPayloadError:
		return "invalid_payload"
	case *codec.InvalidVersionError:
		return "invalid_version"
	case *codec.UnexpectedOperationError:
		return "unexpected_operation"
	default:
		return "unknown"
	}
}
