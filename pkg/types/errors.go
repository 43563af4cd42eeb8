package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller should recover from it.
type Kind int

const (
	// DiscoveryFailure: STUN unreachable, timed out or malformed. Fall back to the local address.
	DiscoveryFailure Kind = iota + 1
	// BindFailure: requested port unavailable. Retry with an OS-assigned port.
	BindFailure
	// SendFailure: a single datagram was rejected. Reported, never retried.
	SendFailure
	// DecodeFailure: inbound payload is not valid UTF-8. Dropped.
	DecodeFailure
	// ConnectivityTestFailure: no PONG within the test window.
	ConnectivityTestFailure
)

func (k Kind) String() string {
	switch k {
	case DiscoveryFailure:
		return "discovery failure"
	case BindFailure:
		return "bind failure"
	case SendFailure:
		return "send failure"
	case DecodeFailure:
		return "decode failure"
	case ConnectivityTestFailure:
		return "connectivity test failure"
	default:
		return fmt.Sprintf("unknown failure (%d)", int(k))
	}
}

// Error represents a failed operation of a given Kind
type Error struct {
	Kind Kind   // Failure class
	Op   string // Operation that failed
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new classified error
func NewError(kind Kind, op string, err error) error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// NewSTUNError creates a discovery error
func NewSTUNError(op string, err error) error {
	return NewError(DiscoveryFailure, op, err)
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
