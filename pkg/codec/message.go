package codec

// Message is the transport-agnostic view of a Kafka record this codec
// operates on: raw headers (as the broker delivers them, nil if a key
// is absent) plus the value bytes. Producers and consumers in
// pkg/eventstream and pkg/syncconsumer translate to/from their Kafka
// client's native message type at the boundary so this package stays
// free of a direct sarama dependency.
type Message struct {
	Headers map[string][]byte
	Value   []byte
}

// Outcome discriminates what Decode produced for a message.
type Outcome int

const (
	// OutcomeDispatch means Record is populated and should be enqueued.
	OutcomeDispatch Outcome = iota
	// OutcomeSkip means the message contributed no work (skip_consume,
	// or a known-but-unsupported operation for this version).
	OutcomeSkip
)

// Header names, per the authoritative list in the spec's external
// interfaces section.
const (
	HeaderOperation             = "operation"
	HeaderVersion               = "version"
	HeaderReceivedTimestamp     = "Received-Timestamp"
	HeaderEventID               = "event_id"
	HeaderProjectID             = "project_id"
	HeaderGroupID               = "group_id"
	HeaderPrimaryHash           = "primary_hash"
	HeaderIsNew                 = "is_new"
	HeaderIsRegression          = "is_regression"
	HeaderIsNewGroupEnvironment = "is_new_group_environment"
	HeaderSkipConsume           = "skip_consume"
	HeaderTransactionForwarder  = "transaction_forwarder"
	HeaderGroupStates           = "group_states"
)
