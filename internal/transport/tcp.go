package transport

import (
	"context"
	"fmt"
	"math"
	"net"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// DefaultTCPPort is the KDE Connect TCP and UDP port.
const DefaultTCPPort = 1716

func tcpCapabilities() Capabilities {
	return Capabilities{
		Reliable:                  true,
		Ordered:                   true,
		MTU:                       math.MaxUint32,
		Latency:                   LatencyLow,
		SupportsEncryptionUpgrade: true,
	}
}

// TCPTransport wraps one TCP connection.
type TCPTransport struct {
	net.Conn
}

// Capabilities implements Transport.
func (t *TCPTransport) Capabilities() Capabilities { return tcpCapabilities() }

// RemoteAddr implements Transport.
func (t *TCPTransport) RemoteAddr() string { return t.Conn.RemoteAddr().String() }

// Underlying exposes the raw connection for TLS upgrade.
func (t *TCPTransport) Underlying() net.Conn { return t.Conn }

// TCPDialer dials IPv4/IPv6 stream sockets.
type TCPDialer struct{}

// Dial implements Dialer.
func (TCPDialer) Dial(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protoerr.ErrTransportUnavailable, address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	return &TCPTransport{Conn: conn}, nil
}

// Capabilities implements Dialer.
func (TCPDialer) Capabilities() Capabilities { return tcpCapabilities() }

// TCPListener accepts inbound TCP transports.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP starts a listener on the given address, ":1716" by default.
func ListenTCP(address string) (*TCPListener, error) {
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultTCPPort)
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", protoerr.ErrTransportUnavailable, address, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept implements Listener.
func (l *TCPListener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &TCPTransport{Conn: conn}, nil
}

// Addr implements Listener.
func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

// Port returns the bound TCP port.
func (l *TCPListener) Port() uint16 {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Close implements Listener.
func (l *TCPListener) Close() error { return l.ln.Close() }
