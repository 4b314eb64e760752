// Package device holds the runtime device model and the DeviceManager,
// the single shared map of everything known about nearby peers.
package device

import (
	"time"
)

// Type classifies a peer device. Wire values are lowercase.
type Type string

const (
	TypePhone   Type = "phone"
	TypeTablet  Type = "tablet"
	TypeDesktop Type = "desktop"
	TypeLaptop  Type = "laptop"
	TypeTV      Type = "tv"
	TypeUnknown Type = "unknown"
)

// ParseType maps a wire string to a Type, defaulting to unknown.
func ParseType(s string) Type {
	switch Type(s) {
	case TypePhone, TypeTablet, TypeDesktop, TypeLaptop, TypeTV:
		return Type(s)
	default:
		return TypeUnknown
	}
}

// ConnectionState is the session lifecycle state of a device.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// PairStatus is the pairing state machine position for a device.
type PairStatus string

const (
	PairNotPaired       PairStatus = "not_paired"
	PairRequested       PairStatus = "requested"
	PairRequestedByPeer PairStatus = "requested_by_peer"
	PairPaired          PairStatus = "paired"
	PairRejected        PairStatus = "rejected"
)

// Info is the stable identity of a peer.
type Info struct {
	ID                   string
	Name                 string
	Type                 Type
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
	TCPPort              uint16
}

// Device is the runtime record for one peer. Values handed out by the
// Manager are snapshots; mutate only through Manager methods.
type Device struct {
	Info            Info
	ConnectionState ConnectionState
	PairStatus      PairStatus
	Trusted         bool
	LastSeen        time.Time
	LastConnected   time.Time
	Host            string
	Port            uint16
	CertFingerprint string
	CertDER         []byte
}

// clone deep-copies the device so readers never alias manager state.
func (d *Device) clone() Device {
	c := *d
	c.Info.IncomingCapabilities = append([]string(nil), d.Info.IncomingCapabilities...)
	c.Info.OutgoingCapabilities = append([]string(nil), d.Info.OutgoingCapabilities...)
	c.CertDER = append([]byte(nil), d.CertDER...)
	return c
}
