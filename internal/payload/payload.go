// Package payload implements the out-of-band payload channel: ephemeral
// TLS listeners on the sender side, pinned TLS fetches on the receiver
// side, and the binary stream frame channel for screen share.
package payload

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/security"
)

// copyBufferSize is the fixed read/write buffer for payload streaming.
const copyBufferSize = 64 * 1024

// acceptTimeout bounds how long a payload listener waits for the peer
// to connect before giving up.
const acceptTimeout = 30 * time.Second

// Server serves one payload to the first peer that connects. The
// listener is closed after the first accept; nobody else can claim the
// payload.
type Server struct {
	ln     net.Listener
	port   uint16
	done   chan error
	once   sync.Once
	logger *zap.Logger
}

// Serve opens an ephemeral TLS listener and streams exactly size bytes
// from r to the first peer that completes the pinned handshake. The
// returned server reports completion on Done.
func Serve(ctx context.Context, cert tls.Certificate, verifier security.PeerVerifier, r io.Reader, size int64, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := tls.Listen("tcp", ":0", security.ServerConfig(cert, verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: payload listen: %v", protoerr.ErrTransportUnavailable, err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	s := &Server{
		ln:     ln,
		port:   port,
		done:   make(chan error, 1),
		logger: logger.With(zap.String("component", "payload"), zap.Uint16("port", port)),
	}
	go s.serve(ctx, r, size)
	return s, nil
}

// Port returns the ephemeral port to advertise in payloadTransferInfo.
func (s *Server) Port() uint16 { return s.port }

// Done reports the outcome of the transfer.
func (s *Server) Done() <-chan error { return s.done }

// Close stops the listener; a transfer already in progress continues.
func (s *Server) Close() {
	s.once.Do(func() { s.ln.Close() })
}

func (s *Server) serve(ctx context.Context, r io.Reader, size int64) {
	defer s.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := s.ln.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var conn net.Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			s.done <- fmt.Errorf("payload accept: %w", res.err)
			return
		}
		conn = res.conn
	case <-time.After(acceptTimeout):
		s.Close()
		s.done <- fmt.Errorf("%w: no peer claimed payload", protoerr.ErrTransportUnavailable)
		return
	case <-ctx.Done():
		s.Close()
		s.done <- ctx.Err()
		return
	}
	// One payload, one receiver.
	s.Close()
	defer conn.Close()

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(conn, io.LimitReader(r, size), buf)
	if err != nil {
		s.done <- fmt.Errorf("payload write: %w", err)
		return
	}
	if n != size {
		s.done <- fmt.Errorf("%w: served %d of %d payload bytes", protoerr.ErrInvalidState, n, size)
		return
	}
	s.logger.Debug("payload served", zap.Int64("bytes", n))
	s.done <- nil
}

// Fetch connects to the peer's payload port, verifies the pinned
// certificate, and copies exactly size bytes into w.
func Fetch(ctx context.Context, host string, port uint16, cert tls.Certificate, verifier security.PeerVerifier, size int64, w io.Writer) error {
	d := net.Dialer{Timeout: acceptTimeout}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("%w: payload dial: %v", protoerr.ErrTransportUnavailable, err)
	}
	conn, err := security.Upgrade(ctx, raw, cert, verifier, true)
	if err != nil {
		raw.Close()
		return err
	}
	defer conn.Close()

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(w, io.LimitReader(conn, size), buf)
	if err != nil {
		return fmt.Errorf("payload read: %w", err)
	}
	if n != size {
		return fmt.Errorf("%w: received %d of %d payload bytes", protoerr.ErrInvalidState, n, size)
	}
	return nil
}
