package protocol

import (
	"fmt"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// Protocol versions this implementation understands. Version 8 is
// advertised by default; 7 peers are accepted as-is.
const (
	ProtocolVersionMin     = 7
	ProtocolVersionDefault = 8
)

// Identity is the body of a kdeconnect.identity packet, broadcast over UDP
// and exchanged on new connections.
type Identity struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
	TCPPort              uint16   `json:"tcpPort,omitempty"`
}

// Validate checks the fields every identity packet must carry.
func (id Identity) Validate() error {
	if id.DeviceID == "" {
		return fmt.Errorf("%w: identity missing deviceId", protoerr.ErrInvalidPacket)
	}
	if id.ProtocolVersion < ProtocolVersionMin {
		return fmt.Errorf("%w: peer speaks version %d, minimum is %d",
			protoerr.ErrProtocolVersionMismatch, id.ProtocolVersion, ProtocolVersionMin)
	}
	return nil
}

// NewIdentityPacket builds an identity packet for the local device.
func NewIdentityPacket(id Identity) (Packet, error) {
	if id.IncomingCapabilities == nil {
		id.IncomingCapabilities = []string{}
	}
	if id.OutgoingCapabilities == nil {
		id.OutgoingCapabilities = []string{}
	}
	return New(TypeIdentity, id)
}

// ParseIdentity extracts and validates the identity body of a packet.
func ParseIdentity(p Packet) (Identity, error) {
	if p.Type != TypeIdentity {
		return Identity{}, fmt.Errorf("%w: expected %s, got %s", protoerr.ErrInvalidPacket, TypeIdentity, p.Type)
	}
	var id Identity
	if err := p.UnmarshalBody(&id); err != nil {
		return Identity{}, err
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// PairBody is the body of a kdeconnect.pair packet. Pair=true requests or
// accepts pairing; Pair=false rejects or revokes it.
type PairBody struct {
	Pair bool `json:"pair"`
}

// NewPairPacket builds a pair packet.
func NewPairPacket(pair bool) Packet {
	p, _ := New(TypePair, PairBody{Pair: pair})
	return p
}

// NewPingPacket builds an empty keepalive ping.
func NewPingPacket() Packet {
	p, _ := New(TypePing, struct{}{})
	return p
}
