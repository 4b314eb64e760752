package payload

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/security"
)

// Stream is an established frame channel. Both sides read and write
// stream frames; the underlying connection is pinned TLS, same as the
// one-shot payload channel.
type Stream struct {
	conn net.Conn

	rmu sync.Mutex
	wmu sync.Mutex
}

// WriteFrame sends one frame. Safe for concurrent use.
func (s *Stream) WriteFrame(f protocol.StreamFrame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return protocol.WriteFrame(s.conn, f)
}

// ReadFrame blocks for the next frame. Safe for concurrent use,
// though frames are delivered to at most one reader.
func (s *Stream) ReadFrame() (protocol.StreamFrame, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return protocol.ReadFrame(s.conn)
}

// SetDeadline bounds both reads and writes.
func (s *Stream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// Close tears the channel down.
func (s *Stream) Close() error { return s.conn.Close() }

// StreamServer waits for the peer to claim a frame channel. Like the
// payload Server, the listener accepts exactly one connection.
type StreamServer struct {
	ln     net.Listener
	port   uint16
	once   sync.Once
	logger *zap.Logger
}

// ServeStream opens an ephemeral TLS listener for a frame channel. The
// port is advertised to the peer in the stream offer packet; Accept
// then hands back the established channel.
func ServeStream(cert tls.Certificate, verifier security.PeerVerifier, logger *zap.Logger) (*StreamServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := tls.Listen("tcp", ":0", security.ServerConfig(cert, verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: stream listen: %v", protoerr.ErrTransportUnavailable, err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	return &StreamServer{
		ln:     ln,
		port:   port,
		logger: logger.With(zap.String("component", "stream"), zap.Uint16("port", port)),
	}, nil
}

// Port returns the ephemeral port to advertise to the peer.
func (s *StreamServer) Port() uint16 { return s.port }

// Close stops the listener. An already-accepted stream is unaffected.
func (s *StreamServer) Close() {
	s.once.Do(func() { s.ln.Close() })
}

// Accept waits for the peer to connect and complete the pinned
// handshake, then closes the listener.
func (s *StreamServer) Accept(ctx context.Context) (*Stream, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := s.ln.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	select {
	case res := <-acceptCh:
		if res.err != nil {
			return nil, fmt.Errorf("stream accept: %w", res.err)
		}
		s.Close()
		s.logger.Debug("stream peer connected", zap.String("remote", res.conn.RemoteAddr().String()))
		return &Stream{conn: res.conn}, nil
	case <-time.After(acceptTimeout):
		s.Close()
		return nil, fmt.Errorf("%w: no peer claimed stream", protoerr.ErrTransportUnavailable)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// DialStream connects to the peer's advertised stream port and pins
// its certificate.
func DialStream(ctx context.Context, host string, port uint16, cert tls.Certificate, verifier security.PeerVerifier) (*Stream, error) {
	d := net.Dialer{Timeout: acceptTimeout}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("%w: stream dial: %v", protoerr.ErrTransportUnavailable, err)
	}
	conn, err := security.Upgrade(ctx, raw, cert, verifier, true)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &Stream{conn: conn}, nil
}
