// Package protocol implements the KDE Connect wire format: newline-delimited
// JSON packets, the identity and pair packet shapes, and the binary stream
// frame codec used by the streaming sidechannel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

const (
	// MaxPacketSize bounds a single serialized packet line (1 MiB).
	MaxPacketSize = 1 << 20

	// TypeIdentity announces a device's identity and capabilities.
	TypeIdentity = "kdeconnect.identity"
	// TypePair carries pairing requests, accepts and rejections.
	TypePair = "kdeconnect.pair"
	// TypePing is the keepalive and reachability probe.
	TypePing = "kdeconnect.ping"
)

// PayloadTransferInfo references the sidechannel a payload is served on.
type PayloadTransferInfo struct {
	Port uint16 `json:"port"`
}

// Packet is one protocol message. Body is kept as raw JSON so plugin
// packets round-trip without loss.
type Packet struct {
	Type                string               `json:"type"`
	ID                  int64                `json:"id"`
	Body                json.RawMessage      `json:"body"`
	PayloadTransferInfo *PayloadTransferInfo `json:"payloadTransferInfo,omitempty"`
	PayloadSize         int64                `json:"payloadSize,omitempty"`
}

// New builds a packet of the given type with body marshaled to JSON.
// The ID is left zero; the sending path stamps it via an IDGenerator.
func New(packetType string, body any) (Packet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Packet{}, fmt.Errorf("marshal body: %w", err)
	}
	return Packet{Type: packetType, Body: raw}, nil
}

// HasPayload reports whether the packet references an out-of-band payload.
func (p Packet) HasPayload() bool {
	return p.PayloadSize > 0 && p.PayloadTransferInfo != nil
}

// UnmarshalBody decodes the packet body into v.
func (p Packet) UnmarshalBody(v any) error {
	if len(p.Body) == 0 {
		return fmt.Errorf("%w: empty body", protoerr.ErrInvalidPacket)
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%w: %v", protoerr.ErrInvalidPacket, err)
	}
	return nil
}

// Marshal serializes the packet as a single newline-terminated JSON line.
func Marshal(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing type", protoerr.ErrInvalidPacket)
	}
	if len(p.Body) == 0 {
		p.Body = json.RawMessage(`{}`)
	}
	if (p.PayloadSize > 0) != (p.PayloadTransferInfo != nil) {
		return nil, fmt.Errorf("%w: payloadSize and payloadTransferInfo must be paired", protoerr.ErrInvalidPacket)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	if len(data) > MaxPacketSize {
		return nil, &protoerr.SizeError{Actual: len(data), Max: MaxPacketSize}
	}
	return append(data, '\n'), nil
}

// Parse decodes one packet line. The line may carry a trailing newline.
func Parse(line []byte) (Packet, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > MaxPacketSize {
		return Packet{}, &protoerr.SizeError{Actual: len(line), Max: MaxPacketSize}
	}
	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", protoerr.ErrInvalidPacket, err)
	}
	if p.Type == "" {
		return Packet{}, fmt.Errorf("%w: missing type", protoerr.ErrInvalidPacket)
	}
	if len(p.Body) == 0 {
		p.Body = json.RawMessage(`{}`)
	}
	if (p.PayloadSize > 0) != (p.PayloadTransferInfo != nil) {
		return Packet{}, fmt.Errorf("%w: payloadSize and payloadTransferInfo must be paired", protoerr.ErrInvalidPacket)
	}
	return p, nil
}

// IDGenerator stamps outbound packet IDs with wall-clock milliseconds,
// rebasing to last+1 if the clock regresses so IDs never go backward
// within a session.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDGenerator returns a generator using the system clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns the next packet ID.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
