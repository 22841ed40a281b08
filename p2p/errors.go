package p2p

import "errors"

// Error taxonomy for the networking core. Connection-level failures are always
// scoped to the offending connection; none of these escalate to a node fault.
var (
	// ErrProtocolViolation marks malformed frames, bad signatures, and
	// version or genesis mismatches. Terminal for the connection.
	ErrProtocolViolation = errors.New("p2p: protocol violation")

	// ErrUnreachable is returned when no routing-table entry or route-back
	// record can carry a message to its destination.
	ErrUnreachable = errors.New("p2p: destination unreachable")

	// ErrResourceExhausted surfaces backpressure: a full send queue or an
	// admission ceiling. The caller may retry later or pick another peer.
	ErrResourceExhausted = errors.New("p2p: resource exhausted")

	// ErrTimeout covers handshake and heartbeat deadline expiry.
	ErrTimeout = errors.New("p2p: timeout")
)

// IsProtocolViolation reports whether the error is terminal peer misbehavior.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

// IsUnreachable reports whether the error indicates a missing route.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsResourceExhausted reports whether the error is recoverable backpressure.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
