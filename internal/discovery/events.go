// Package discovery announces the local device and observes peers over
// UDP broadcast, mDNS and Bluetooth LE, reducing everything to a single
// DeviceFound/DeviceLost event stream.
package discovery

import (
	"github.com/lanlink/lanlinkd/internal/protocol"
)

// EventKind labels a discovery event.
type EventKind int

const (
	// DeviceFound reports an identity observation for a peer.
	DeviceFound EventKind = iota
	// DeviceLost reports that a peer stopped advertising.
	DeviceLost
	// DiscoveryError reports a non-fatal discoverer failure.
	DiscoveryError
)

func (k EventKind) String() string {
	switch k {
	case DeviceFound:
		return "device_found"
	case DeviceLost:
		return "device_lost"
	default:
		return "discovery_error"
	}
}

// Event is one discovery observation.
type Event struct {
	Kind     EventKind
	Identity protocol.Identity // set for DeviceFound
	Source   string            // address the observation came from
	DeviceID string            // set for DeviceLost
	Err      error             // set for DiscoveryError
}
