// ABOUTME: Relay error taxonomy and the mapping from error kind to peer-visible reply
// ABOUTME: Policy errors and malformed observer commands are surfaced; none closes the connection

package relay

import (
	"errors"
	"fmt"

	"github.com/2389/lookout/internal/protocol"
)

// ErrorKind classifies a handling failure. The value doubles as the wire code.
type ErrorKind string

// Error kinds.
const (
	KindAuthInvalid         ErrorKind = "auth_invalid"
	KindAgentUnreachable    ErrorKind = "agent_unreachable"
	KindMalformedEnvelope   ErrorKind = "malformed_envelope"
	KindUnknownType         ErrorKind = "unknown_type"
	KindCollaboratorFailure ErrorKind = "collaborator_failure"
	KindRateLimited         ErrorKind = "rate_limited"
	KindForbidden           ErrorKind = "forbidden"
)

// Surfaced reports whether the kind is answered with an error envelope.
func (k ErrorKind) Surfaced() bool {
	switch k {
	case KindAuthInvalid, KindAgentUnreachable, KindRateLimited, KindForbidden:
		return true
	}
	return false
}

// Error is a classified handling failure.
type Error struct {
	Kind    ErrorKind
	Message string
	// AgentID is the command target, when known.
	AgentID string
	// Request is the inbound type that failed.
	Request string
	Err     error
	// reply surfaces a kind that is otherwise only logged.
	reply bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Envelope builds the error reply for the peer.
func (e *Error) Envelope() *protocol.Envelope {
	env := protocol.Error(string(e.Kind), e.Message)
	if e.AgentID != "" {
		env.With(protocol.FieldAgentID, e.AgentID)
	}
	if e.Request != "" {
		env.With("request", e.Request)
	}
	return env
}

// KindOf returns the kind of a relay error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func authInvalid(msg string, err error) *Error {
	return &Error{Kind: KindAuthInvalid, Message: msg, Request: protocol.TypeAdminConnect, Err: err}
}

func agentUnreachable(agentID, request string) *Error {
	return &Error{
		Kind:    KindAgentUnreachable,
		Message: fmt.Sprintf("agent %s is not connected", agentID),
		AgentID: agentID,
		Request: request,
	}
}

func forbidden(role, request string) *Error {
	return &Error{
		Kind:    KindForbidden,
		Message: fmt.Sprintf("commands require the %s role", role),
		Request: request,
	}
}

func rateLimited(request string) *Error {
	return &Error{Kind: KindRateLimited, Message: "too many commands, slow down", Request: request}
}

// classifyDecode maps protocol decode errors onto the taxonomy.
func classifyDecode(err error) *Error {
	if errors.Is(err, protocol.ErrUnknownType) {
		return &Error{Kind: KindUnknownType, Message: "unknown message type", Err: err}
	}
	return &Error{Kind: KindMalformedEnvelope, Message: "malformed envelope", Err: err}
}
