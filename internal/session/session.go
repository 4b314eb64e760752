package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/transport"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
	defaultIdleTimeout = 120 * time.Second
	defaultPongTimeout = 30 * time.Second

	keepaliveTick = time.Second
)

// Session is one authenticated link to a peer device. Outbound packets
// go through a bounded queue drained by a single writer goroutine;
// inbound packets are read by a single reader goroutine and handed to
// the manager for dispatch.
type Session struct {
	deviceID string
	conn     io.ReadWriteCloser
	caps     transport.Capabilities
	peerDER  []byte

	out    chan protocol.Packet
	idgen  *protocol.IDGenerator
	logger *zap.Logger

	sendTimeout time.Duration
	idleTimeout time.Duration
	pongTimeout time.Duration

	lastActivity atomic.Int64 // unix nanos of last read or write
	pingSentAt   atomic.Int64 // unix nanos, zero when no ping pending

	closeOnce sync.Once
	closed    chan struct{}
	reasonMu  sync.Mutex
	reason    string

	wg sync.WaitGroup
}

func newSession(deviceID string, conn io.ReadWriteCloser, caps transport.Capabilities, peerDER []byte, idgen *protocol.IDGenerator, cfg Config, logger *zap.Logger) *Session {
	s := &Session{
		deviceID:    deviceID,
		conn:        conn,
		caps:        caps,
		peerDER:     peerDER,
		out:         make(chan protocol.Packet, cfg.queueSize()),
		idgen:       idgen,
		logger:      logger.With(zap.String("device_id", deviceID)),
		sendTimeout: cfg.sendTimeout(),
		idleTimeout: cfg.idleTimeout(),
		pongTimeout: cfg.pongTimeout(),
		closed:      make(chan struct{}),
	}
	s.touch()
	return s
}

// DeviceID returns the peer device identifier.
func (s *Session) DeviceID() string { return s.deviceID }

// PeerCertificate returns the DER certificate presented by the peer, or
// nil on links without a certificate exchange.
func (s *Session) PeerCertificate() []byte { return s.peerDER }

// Capabilities reports the capability record of the underlying transport.
func (s *Session) Capabilities() transport.Capabilities { return s.caps }

// Send enqueues a packet for delivery. The packet ID is stamped here.
// It fails with ErrBackpressure when the outbound queue stays full for
// the send timeout, and with ErrInvalidState once the session closed.
func (s *Session) Send(ctx context.Context, p protocol.Packet) error {
	p.ID = s.idgen.Next()
	select {
	case s.out <- p:
		return nil
	case <-s.closed:
		return protoerr.ErrInvalidState
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.out <- p:
		return nil
	case <-s.closed:
		return protoerr.ErrInvalidState
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return protoerr.ErrBackpressure
	}
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseReason reports why the session closed; empty while open.
func (s *Session) CloseReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		s.conn.Close()
		close(s.closed)
	})
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// run starts the read, write and keepalive loops and blocks until the
// session closes, invoking onPacket for each inbound packet.
func (s *Session) run(onPacket func(*Session, protocol.Packet)) {
	s.wg.Add(3)
	go s.readLoop(onPacket)
	go s.writeLoop()
	go s.keepaliveLoop()
	s.wg.Wait()
}

func (s *Session) readLoop(onPacket func(*Session, protocol.Packet)) {
	defer s.wg.Done()
	r := protocol.NewReader(s.conn)
	for {
		pkt, err := r.Next()
		if err != nil {
			if errors.Is(err, protoerr.ErrInvalidPacket) {
				// Covers malformed JSON and oversize lines; the reader
				// stays aligned on the next newline either way.
				s.logger.Warn("dropping invalid packet", zap.Error(err))
				continue
			}
			select {
			case <-s.closed:
			default:
				s.logger.Debug("read loop ended", zap.Error(err))
			}
			s.close(ReasonReadError)
			return
		}
		s.touch()
		s.pingSentAt.Store(0)
		onPacket(s, pkt)
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case pkt := <-s.out:
			data, err := protocol.Marshal(pkt)
			if err != nil {
				// A bad packet is the sender's problem, not the link's.
				s.logger.Warn("dropping unmarshalable packet", zap.String("type", pkt.Type), zap.Error(err))
				continue
			}
			if err := s.write(data); err != nil {
				s.logger.Debug("write failed", zap.String("type", pkt.Type), zap.Error(err))
				s.close(ReasonWriteError)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkIdle()
		case <-s.closed:
			return
		}
	}
}

func (s *Session) checkIdle() {
	now := time.Now()
	if sent := s.pingSentAt.Load(); sent != 0 {
		if now.Sub(time.Unix(0, sent)) >= s.pongTimeout {
			s.logger.Info("peer unresponsive, closing session")
			s.close(ReasonKeepaliveTimeout)
		}
		return
	}
	last := time.Unix(0, s.lastActivity.Load())
	if now.Sub(last) < s.idleTimeout {
		return
	}
	ping := protocol.NewPingPacket()
	ping.ID = s.idgen.Next()
	s.pingSentAt.Store(now.UnixNano())
	select {
	case s.out <- ping:
	default:
		// Queue is saturated; the pending writes count as activity.
		s.pingSentAt.Store(0)
	}
}
