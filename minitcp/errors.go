package minitcp

import "errors"

var (
	// ErrNoFreeSlot means the fixed connection table is exhausted.
	ErrNoFreeSlot = errors.New("minitcp: no free connection slot")

	// ErrInvalidConn means the connection id does not name an active slot.
	ErrInvalidConn = errors.New("minitcp: invalid connection")

	// ErrNotEstablished means the operation requires an established
	// connection.
	ErrNotEstablished = errors.New("minitcp: connection not established")

	// ErrConnectionClosed means the peer has closed and the receive
	// buffer is drained.
	ErrConnectionClosed = errors.New("minitcp: connection closed by peer")

	// ErrTimeout means a polling budget was exhausted without progress.
	ErrTimeout = errors.New("minitcp: poll budget exhausted")
)
