package codec

import (
	"encoding/json"
	"strconv"

	"github.com/cuemby/postprocess-forwarder/pkg/types"
)

// EncodeBody serializes an insert event into the body encoding: a
// heterogeneous [version, operation, event_data, task_state] array.
func EncodeBody(event *types.EventMessage) ([]byte, error) {
	eventData := struct {
		EventID     string  `json:"event_id"`
		ProjectID   int64   `json:"project_id"`
		GroupID     *int64  `json:"group_id"`
		PrimaryHash *string `json:"primary_hash"`
	}{event.EventID, event.ProjectID, event.GroupID, event.PrimaryHash}

	taskState := struct {
		IsNew                 bool               `json:"is_new"`
		IsRegression          *bool              `json:"is_regression"`
		IsNewGroupEnvironment bool               `json:"is_new_group_environment"`
		SkipConsume           bool               `json:"skip_consume"`
		GroupStates           []types.GroupState `json:"group_states,omitempty"`
	}{event.IsNew, event.IsRegression, event.IsNewGroupEnvironment, event.SkipConsume, event.GroupStates}

	return json.Marshal([]interface{}{
		int(event.Version),
		string(event.Operation),
		eventData,
		taskState,
	})
}

// EncodeHeaders builds the per-insert header set described in the
// spec's producer section. Fields whose source value is null are
// stripped entirely rather than sent as empty strings. operation and
// version are always included by the caller (pkg/eventstream), not
// here, since they're added unconditionally regardless of headers mode.
func EncodeHeaders(event *types.EventMessage) map[string][]byte {
	headers := map[string][]byte{
		HeaderReceivedTimestamp:     []byte(strconv.FormatFloat(event.ReceivedTimestamp, 'f', -1, 64)),
		HeaderEventID:               []byte(event.EventID),
		HeaderProjectID:             []byte(strconv.FormatInt(event.ProjectID, 10)),
		HeaderIsNew:                 encodeBool(&event.IsNew),
		HeaderIsRegression:          encodeBool(event.IsRegression),
		HeaderIsNewGroupEnvironment: encodeBool(&event.IsNewGroupEnvironment),
		HeaderSkipConsume:           encodeBool(&event.SkipConsume),
		HeaderTransactionForwarder:  encodeBool(&event.TransactionForwarder),
	}
	if event.GroupID != nil {
		headers[HeaderGroupID] = []byte(strconv.FormatInt(*event.GroupID, 10))
	}
	if event.PrimaryHash != nil {
		headers[HeaderPrimaryHash] = []byte(*event.PrimaryHash)
	}
	if event.GroupStates != nil {
		if encoded, err := json.Marshal(event.GroupStates); err == nil {
			headers[HeaderGroupStates] = encoded
		}
	}
	return stripNil(headers)
}

func encodeBool(value *bool) []byte {
	if value == nil || !*value {
		return []byte("0")
	}
	return []byte("1")
}

func stripNil(headers map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(headers))
	for k, v := range headers {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
