package codec

import "fmt"

// InvalidPayloadError is raised when a message cannot be decoded into
// the expected shape at all (malformed JSON, missing required scalar).
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("codec: invalid payload: %s", e.Reason)
}

// InvalidVersionError is raised when the version identifier is not in
// the known set (currently {1, 2}).
type InvalidVersionError struct {
	Version int
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("codec: invalid version identifier: %d", e.Version)
}

// UnexpectedOperationError is raised when operation is neither "insert"
// nor a member of the decoded version's declared unsupported-operation set.
type UnexpectedOperationError struct {
	Operation string
}

func (e *UnexpectedOperationError) Error() string {
	return fmt.Sprintf("codec: received unexpected operation type: %q", e.Operation)
}
