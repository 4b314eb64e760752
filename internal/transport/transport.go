// Package transport abstracts the ordered byte streams sessions run over,
// with TCP and Bluetooth LE backends. The connection manager picks among
// backends by their capability records.
package transport

import (
	"context"
	"io"
	"sort"
)

// LatencyClass buckets the expected round-trip latency of a transport.
type LatencyClass int

const (
	LatencyUltraLow LatencyClass = iota // <10ms
	LatencyLow                          // <50ms
	LatencyMedium                       // <200ms
	LatencyHigh
)

func (c LatencyClass) String() string {
	switch c {
	case LatencyUltraLow:
		return "ultra_low"
	case LatencyLow:
		return "low"
	case LatencyMedium:
		return "medium"
	default:
		return "high"
	}
}

// Capabilities describes what a transport backend can do.
type Capabilities struct {
	Reliable                  bool
	Ordered                   bool
	MTU                       uint32
	Latency                   LatencyClass
	SupportsEncryptionUpgrade bool
}

// Transport is one established bidirectional byte stream.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() string
	Capabilities() Capabilities
}

// Dialer establishes outbound transports to one kind of endpoint.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
	Capabilities() Capabilities
}

// Listener accepts inbound transports.
type Listener interface {
	Accept() (Transport, error)
	Addr() string
	Close() error
}

// SelectDialers orders candidate dialers by ascending latency class,
// dropping any that are not reliable. The connection manager tries them
// in the returned order.
func SelectDialers(candidates []Dialer) []Dialer {
	usable := make([]Dialer, 0, len(candidates))
	for _, d := range candidates {
		if d.Capabilities().Reliable {
			usable = append(usable, d)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Capabilities().Latency < usable[j].Capabilities().Latency
	})
	return usable
}
