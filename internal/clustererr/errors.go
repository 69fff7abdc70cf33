// Package clustererr defines the closed set of errors the cluster's client
// RPC surface returns (spec §7).
package clustererr

import "fmt"

// Code is a closed enumeration of the error kinds a client RPC call can
// return. Unlike the teacher's free-text APIError.Details, every kind here
// carries its own structured fields.
type Code int

const (
	CodeTimeout Code = iota
	CodeNotLeader
	CodeLeaderUnknown
	CodeAborted
	CodeNotHolder
	CodeUnknownMessage
	CodeConflict
	CodePersistence
)

func (c Code) String() string {
	switch c {
	case CodeTimeout:
		return "timeout"
	case CodeNotLeader:
		return "not_leader"
	case CodeLeaderUnknown:
		return "leader_unknown"
	case CodeAborted:
		return "aborted"
	case CodeNotHolder:
		return "not_holder"
	case CodeUnknownMessage:
		return "unknown_message"
	case CodeConflict:
		return "conflict"
	case CodePersistence:
		return "persistence_error"
	default:
		return "unknown"
	}
}

// ClusterError is the structured error type every internal/cluster RPC
// method returns on failure.
type ClusterError struct {
	Code Code

	// LeaderHint is set for CodeNotLeader when this node knows who the
	// leader is.
	LeaderHint string

	// MessageID is set for CodeUnknownMessage and CodeNotHolder.
	MessageID string

	// Reason is a short, human-readable detail (deadlock victim selection,
	// the underlying sink error string, etc).
	Reason string
}

func (e *ClusterError) Error() string {
	switch e.Code {
	case CodeNotLeader:
		if e.LeaderHint != "" {
			return fmt.Sprintf("not leader; leader is %s", e.LeaderHint)
		}
		return "not leader"
	case CodeUnknownMessage:
		return fmt.Sprintf("unknown message id %q", e.MessageID)
	case CodeNotHolder:
		return fmt.Sprintf("client does not hold lock on %q", e.MessageID)
	default:
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s", e.Code, e.Reason)
		}
		return e.Code.String()
	}
}

func Timeout(reason string) *ClusterError {
	return &ClusterError{Code: CodeTimeout, Reason: reason}
}

func NotLeader(leaderHint string) *ClusterError {
	return &ClusterError{Code: CodeNotLeader, LeaderHint: leaderHint}
}

func LeaderUnknown() *ClusterError {
	return &ClusterError{Code: CodeLeaderUnknown}
}

func Aborted(reason string) *ClusterError {
	return &ClusterError{Code: CodeAborted, Reason: reason}
}

func NotHolder(resource string) *ClusterError {
	return &ClusterError{Code: CodeNotHolder, MessageID: resource}
}

func UnknownMessage(messageID string) *ClusterError {
	return &ClusterError{Code: CodeUnknownMessage, MessageID: messageID}
}

func Conflict(reason string) *ClusterError {
	return &ClusterError{Code: CodeConflict, Reason: reason}
}

func Persistence(reason string) *ClusterError {
	return &ClusterError{Code: CodePersistence, Reason: reason}
}

// Is reports whether err is a *ClusterError with the given code, so callers
// can branch without a type assertion at every call site.
func Is(err error, code Code) bool {
	ce, ok := err.(*ClusterError)
	return ok && ce.Code == code
}
