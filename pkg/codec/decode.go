package codec

import (
	"encoding/json"
	"strconv"

	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
)

var decodeLog = log.WithComponent("codec")

// DecodeResult is what Decode returns for a message that didn't error.
type DecodeResult struct {
	Outcome Outcome
	Record  types.DispatchRecord
}

// Decode implements the decoder contract of the wire codec: determine
// version (headers take priority over body), and for operation=insert
// return a dispatch record unless skip_consume is set, in which case
// return OutcomeSkip. Any other operation is either a known-unsupported
// no-op (OutcomeSkip) or raises UnexpectedOperationError.
//
// Decode prefers the header encoding when the message carries a
// "version" header; otherwise it falls back to the body encoding.
func Decode(msg Message) (DecodeResult, error) {
	if _, ok := msg.Headers[HeaderVersion]; ok {
		return decodeFromHeaders(msg.Headers)
	}
	return decodeFromBody(msg.Value)
}

func decodeFromBody(value []byte) (DecodeResult, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(value, &raw); err != nil || len(raw) < 2 {
		return DecodeResult{}, &InvalidPayloadError{Reason: "received event payload with unexpected structure"}
	}

	var rawVersion int
	if err := json.Unmarshal(raw[0], &rawVersion); err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "version is not an integer"}
	}
	version := types.Version(rawVersion)
	if !types.KnownVersion(version) {
		return DecodeResult{}, &InvalidVersionError{Version: rawVersion}
	}

	var operation string
	if err := json.Unmarshal(raw[1], &operation); err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "operation is not a string"}
	}

	if operation != string(types.Insert) {
		return handleNonInsert(version, operation)
	}

	if len(raw) < 4 {
		return DecodeResult{}, &InvalidPayloadError{Reason: "insert message missing event_data/task_state"}
	}

	var eventData struct {
		EventID     string  `json:"event_id"`
		ProjectID   int64   `json:"project_id"`
		GroupID     *int64  `json:"group_id"`
		PrimaryHash *string `json:"primary_hash"`
	}
	if err := json.Unmarshal(raw[2], &eventData); err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "malformed event_data"}
	}

	var taskState struct {
		IsNew                 bool            `json:"is_new"`
		IsRegression          *bool           `json:"is_regression"`
		IsNewGroupEnvironment bool            `json:"is_new_group_environment"`
		SkipConsume           bool            `json:"skip_consume"`
		GroupStates           json.RawMessage `json:"group_states"`
	}
	if err := json.Unmarshal(raw[3], &taskState); err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "malformed task_state"}
	}

	if taskState.SkipConsume {
		return DecodeResult{Outcome: OutcomeSkip}, nil
	}

	return DecodeResult{
		Outcome: OutcomeDispatch,
		Record: types.DispatchRecord{
			EventID:               eventData.EventID,
			ProjectID:             eventData.ProjectID,
			GroupID:               eventData.GroupID,
			PrimaryHash:           eventData.PrimaryHash,
			IsNew:                 taskState.IsNew,
			IsRegression:          taskState.IsRegression,
			IsNewGroupEnvironment: taskState.IsNewGroupEnvironment,
			GroupStates:           parseGroupStates(taskState.GroupStates),
		},
	}, nil
}

func decodeFromHeaders(headers map[string][]byte) (DecodeResult, error) {
	rawVersion, err := decodeInt(headers[HeaderVersion])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "version header is not an integer"}
	}
	version := types.Version(rawVersion)

	operation, err := decodeStr(headers[HeaderOperation])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing operation header"}
	}

	if !types.KnownVersion(version) {
		return DecodeResult{}, &InvalidVersionError{Version: int(rawVersion)}
	}

	if operation != string(types.Insert) {
		return handleNonInsert(version, operation)
	}

	eventID, err := decodeStr(headers[HeaderEventID])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing event_id header"}
	}
	projectID, err := decodeInt(headers[HeaderProjectID])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing project_id header"}
	}
	groupID := decodeOptionalInt(headers[HeaderGroupID])
	primaryHash := decodeOptionalStr(headers[HeaderPrimaryHash])

	skipConsume, err := decodeBool(headers[HeaderSkipConsume])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing skip_consume header"}
	}
	isNew, err := decodeBool(headers[HeaderIsNew])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing is_new header"}
	}
	isRegressionVal, err := decodeBool(headers[HeaderIsRegression])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing is_regression header"}
	}
	isNewGroupEnv, err := decodeBool(headers[HeaderIsNewGroupEnvironment])
	if err != nil {
		return DecodeResult{}, &InvalidPayloadError{Reason: "missing is_new_group_environment header"}
	}

	if skipConsume {
		return DecodeResult{Outcome: OutcomeSkip}, nil
	}

	return DecodeResult{
		Outcome: OutcomeDispatch,
		Record: types.DispatchRecord{
			EventID:               eventID,
			ProjectID:             projectID,
			GroupID:               groupID,
			PrimaryHash:           primaryHash,
			IsNew:                 isNew,
			IsRegression:          &isRegressionVal,
			IsNewGroupEnvironment: isNewGroupEnv,
			GroupStates:           parseGroupStates(headers[HeaderGroupStates]),
		},
	}, nil
}

func handleNonInsert(version types.Version, operation string) (DecodeResult, error) {
	if types.IsUnsupportedOperation(version, operation) {
		decodeLog.Debug().Str("operation", operation).Msg("skipping unsupported operation")
		return DecodeResult{Outcome: OutcomeSkip}, nil
	}
	return DecodeResult{}, &UnexpectedOperationError{Operation: operation}
}

// parseGroupStates never fails the decode: malformed group_states JSON
// is logged and treated as null.
func parseGroupStates(raw []byte) []types.GroupState {
	if len(raw) == 0 {
		return nil
	}
	var states []types.GroupState
	if err := json.Unmarshal(raw, &states); err != nil {
		decodeLog.Error().Err(err).Str("group_states", string(raw)).Msg("received event with malformed group_states")
		return nil
	}
	return states
}

func decodeStr(value []byte) (string, error) {
	if value == nil {
		return "", &InvalidPayloadError{Reason: "missing required header"}
	}
	return string(value), nil
}

func decodeOptionalStr(value []byte) *string {
	if value == nil {
		return nil
	}
	s := string(value)
	return &s
}

func decodeInt(value []byte) (int64, error) {
	if value == nil {
		return 0, &InvalidPayloadError{Reason: "missing required header"}
	}
	return strconv.ParseInt(string(value), 10, 64)
}

func decodeOptionalInt(value []byte) *int64 {
	if value == nil {
		return nil
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func decodeBool(value []byte) (bool, error) {
	if value == nil {
		return false, &InvalidPayloadError{Reason: "missing required header"}
	}
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return false, &InvalidPayloadError{Reason: "boolean header is not an integer"}
	}
	return n != 0, nil
}
