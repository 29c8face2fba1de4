package eventstream

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cuemby/postprocess-forwarder/pkg/codec"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
)

func testConfig() Topics {
	return Topics{Errors: "ingest-events", Transactions: "ingest-transactions", TransactionsNew: "ingest-transactions-v2"}
}

func newTestProducer(t *testing.T, cfg Config, policy Policy) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	saramaCfg := mocks.NewTestConfig()
	async := mocks.NewAsyncProducer(t, saramaCfg)
	sync := mocks.NewSyncProducer(t, saramaCfg)
	p := newProducer(async, sync, cfg, policy)
	t.Cleanup(func() { p.Close() })
	return p, sync
}

func errorEvent() *types.EventMessage {
	return &types.EventMessage{
		Version:   types.Version2,
		Operation: types.Insert,
		EventID:   "evt-1",
		ProjectID: 7,
	}
}

// End-to-end smoke test: a synchronous publish against a mock sync
// producer completes without error. Topic and header assembly are
// asserted precisely in the unit tests below against
// selectTopic/buildHeaders directly, since sarama/mocks' SyncProducer
// doesn't expose the sent message back to the caller.
func TestPublishSyncSucceeds(t *testing.T) {
	p, sync := newTestProducer(t, Config{Topics: testConfig()}, StaticPolicy{})
	sync.ExpectSendMessageAndSucceed()

	p.Publish(errorEvent(), PublishOptions{})
}

func TestSelectTopicRoutesByTransactionForwarderAndPolicy(t *testing.T) {
	cfg := Config{Topics: testConfig()}

	errEvt := errorEvent()
	p := &Producer{cfg: cfg, policy: StaticPolicy{}}
	if got := p.selectTopic(errEvt); got != cfg.Topics.Errors {
		t.Fatalf("expected errors topic, got %q", got)
	}

	txnEvt := errorEvent()
	txnEvt.TransactionForwarder = true
	p = &Producer{cfg: cfg, policy: StaticPolicy{UseNewTopic: false}}
	if got := p.selectTopic(txnEvt); got != cfg.Topics.Transactions {
		t.Fatalf("expected stable transactions topic, got %q", got)
	}

	p = &Producer{cfg: cfg, policy: StaticPolicy{UseNewTopic: true}}
	if got := p.selectTopic(txnEvt); got != cfg.Topics.TransactionsNew {
		t.Fatalf("expected new transactions topic, got %q", got)
	}
}

func TestBuildHeadersAlwaysIncludesOperationAndVersion(t *testing.T) {
	p := &Producer{cfg: Config{}}
	event := errorEvent()

	headers := p.buildHeaders(event, nil)
	byKey := map[string][]byte{}
	for _, h := range headers {
		byKey[string(h.Key)] = h.Value
	}

	if string(byKey[codec.HeaderOperation]) != string(types.Insert) {
		t.Fatalf("expected operation header %q, got %q", types.Insert, byKey[codec.HeaderOperation])
	}
	if string(byKey[codec.HeaderVersion]) != "2" {
		t.Fatalf("expected version header 2, got %q", byKey[codec.HeaderVersion])
	}
}

func TestBuildHeadersIncludesFullSetWhenEnabled(t *testing.T) {
	p := &Producer{cfg: Config{HeadersEnabled: func() bool { return true }}}
	headers := p.buildHeaders(errorEvent(), map[string][]byte{"x-extra": []byte("1")})

	byKey := map[string][]byte{}
	for _, h := range headers {
		byKey[string(h.Key)] = h.Value
	}
	if _, ok := byKey["x-extra"]; !ok {
		t.Fatal("expected extra header to be carried through")
	}
	if len(headers) < 3 {
		t.Fatalf("expected operation/version plus extra headers, got %d", len(headers))
	}
	if string(byKey[codec.HeaderEventID]) != "evt-1" {
		t.Fatalf("expected event_id header %q from the full header set, got %q", "evt-1", byKey[codec.HeaderEventID])
	}
}

func TestPublishSyncSendFailureIsSwallowed(t *testing.T) {
	p, sync := newTestProducer(t, Config{Topics: testConfig()}, StaticPolicy{})
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	// Must not panic and must return normally even on broker failure.
	p.Publish(errorEvent(), PublishOptions{})
}
