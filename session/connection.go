package session

import (
	"time"

	"github.com/alwitt/chatrelay/common"
)

// ConnectionState tracks where a connection is in its lifecycle.
//
// ADMITTED is entered after authentication succeeds and the connection is
// registered. ACTIVE is entered once the connected acknowledgment went out.
// CLOSED is terminal and triggers the one teardown path.
type ConnectionState int

// Connection lifecycle states
const (
	ConnectionAdmitted ConnectionState = iota
	ConnectionActive
	ConnectionClosed
)

// String implements fmt.Stringer
func (s ConnectionState) String() string {
	switch s {
	case ConnectionAdmitted:
		return "ADMITTED"
	case ConnectionActive:
		return "ACTIVE"
	case ConnectionClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Connection is one live, authenticated, long-lived session between one
// client and the server. The identity is set once at admission and never
// changes afterwards.
type Connection interface {
	// ID the opaque session ID generated at admission
	ID() string
	// Identity the authenticated principal attached at admission
	Identity() string
	// AdmittedAt when the connection was admitted
	AdmittedAt() time.Time
	// LastActivity when the last inbound frame arrived
	LastActivity() time.Time
	// RefreshActivity record an inbound frame arrival
	RefreshActivity()
	// State the connection's current lifecycle state
	State() ConnectionState
	// MarkActive transition ADMITTED ==> ACTIVE
	MarkActive()
	// MarkClosed transition to CLOSED. Returns true only for the caller
	// which performed the transition, so teardown runs exactly once.
	MarkClosed() bool
	// SendEvent best-effort enqueue of an outbound event. Fails if the
	// connection is closed or its send queue is full; never blocks.
	SendEvent(event common.OutboundEvent) error
	// Close tear down the underlying transport
	Close() error
}
