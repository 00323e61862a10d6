package session

import "fmt"

// ErrorKind classifies failures surfaced to OnError observers.
type ErrorKind int

const (
	// TransportError is a failed or dropped connection.
	TransportError ErrorKind = iota
	// ValidationError is a malformed inbound payload.
	ValidationError
	// ProtocolViolation is an event that is not valid in the current phase.
	ProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case TransportError:
		return "transport"
	case ValidationError:
		return "validation"
	case ProtocolViolation:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is delivered to OnError observers. It never escapes as a panic.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
