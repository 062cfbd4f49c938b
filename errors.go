package broker

import (
	"errors"
	"fmt"

	"github.com/meridianmq/broker/packet"
)

// ErrorKind classifies why a Connection was torn down, mirroring the taxonomy
// the protocol engine is specified against: protocol violations, auth
// failures, identifier policy rejections, registry-side corruption, and
// transport failures all abort the connection but are distinguishable for
// logging and metrics.
type ErrorKind int

const (
	ProtocolViolation ErrorKind = iota
	AuthFailure
	IdentifierPolicy
	SessionCorrupted
	TransportFailure
	TransientBackpressure
	UnknownPacket
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol_violation"
	case AuthFailure:
		return "auth_failure"
	case IdentifierPolicy:
		return "identifier_policy"
	case SessionCorrupted:
		return "session_corrupted"
	case TransportFailure:
		return "transport_failure"
	case TransientBackpressure:
		return "transient_backpressure"
	case UnknownPacket:
		return "unknown_packet"
	default:
		return "unknown"
	}
}

// BrokerError is the typed error carried through Connection's handlers. It
// wraps the underlying cause (if any) and the CONNACK/DISCONNECT reason code
// to send back, when one applies.
type BrokerError struct {
	Kind       ErrorKind
	ReasonCode packet.ReasonCode
	Parent     error
}

func (e *BrokerError) Error() string {
	if e.Parent != nil {
		return fmt.Sprintf("%s (0x%02X): %s", e.Kind, e.ReasonCode.Code, e.Parent.Error())
	}
	return fmt.Sprintf("%s (0x%02X)", e.Kind, e.ReasonCode.Code)
}

func (e *BrokerError) Unwrap() error {
	return e.Parent
}

func (e *BrokerError) Is(target error) bool {
	var other *BrokerError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newProtocolError(reason packet.ReasonCode, parent error) *BrokerError {
	return &BrokerError{Kind: ProtocolViolation, ReasonCode: reason, Parent: parent}
}

func newAuthError(reason packet.ReasonCode) *BrokerError {
	return &BrokerError{Kind: AuthFailure, ReasonCode: reason}
}

func newIdentifierPolicyError(reason packet.ReasonCode) *BrokerError {
	return &BrokerError{Kind: IdentifierPolicy, ReasonCode: reason}
}

func newSessionCorruptedError(reason packet.ReasonCode) *BrokerError {
	return &BrokerError{Kind: SessionCorrupted, ReasonCode: reason}
}
