// Package session implements the connection manager: per-device
// authenticated sessions, their read/write loops, packet dispatch and
// lifecycle events.
package session

import (
	"github.com/lanlink/lanlinkd/internal/protocol"
)

// EventKind labels a connection event.
type EventKind int

const (
	// Connected reports a new authenticated session.
	Connected EventKind = iota
	// Disconnected reports a closed session with its reason.
	Disconnected
	// PacketReceived reports an inbound packet on a session.
	PacketReceived
	// ConnectionError reports a failed connection attempt.
	ConnectionError
	// ManagerStarted reports the manager accepting connections.
	ManagerStarted
	// ManagerStopped reports manager shutdown.
	ManagerStopped
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case PacketReceived:
		return "packet_received"
	case ConnectionError:
		return "connection_error"
	case ManagerStarted:
		return "manager_started"
	default:
		return "manager_stopped"
	}
}

// Close reasons reported in Disconnected events.
const (
	ReasonReadError            = "read_error"
	ReasonWriteError           = "write_error"
	ReasonKeepaliveTimeout     = "keepalive_timeout"
	ReasonSuperseded           = "superseded_by_new_connection"
	ReasonClosed               = "closed"
	ReasonTransportUnavailable = "transport_unavailable"
)

// Event is one connection lifecycle observation.
type Event struct {
	Kind     EventKind
	DeviceID string
	Reason   string          // set for Disconnected
	Packet   protocol.Packet // set for PacketReceived
	Port     uint16          // set for ManagerStarted
	Err      error           // set for ConnectionError
}
