package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/pairing"
	"github.com/lanlink/lanlinkd/internal/plugin"
	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/security"
	"github.com/lanlink/lanlinkd/internal/transport"
)

const (
	identityExchangeTimeout = 30 * time.Second
	eventBuffer             = 128
)

// Config carries the connection manager's tunables. Zero durations and
// sizes fall back to the protocol defaults.
type Config struct {
	Identity   func() protocol.Identity
	Cert       tls.Certificate
	ListenPort uint16
	Dialers    []transport.Dialer

	QueueSize   int
	SendTimeout time.Duration
	IdleTimeout time.Duration
	PongTimeout time.Duration
}

func (c Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return defaultQueueSize
}

func (c Config) sendTimeout() time.Duration {
	if c.SendTimeout > 0 {
		return c.SendTimeout
	}
	return defaultSendTimeout
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

func (c Config) pongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return c.PongTimeout
	}
	return defaultPongTimeout
}

type sessionEntry struct {
	s       *Session
	plugins *plugin.Set
}

// Manager owns all live sessions. It accepts inbound connections on the
// TCP listener, dials outbound ones through the configured transports,
// runs the plaintext identity exchange followed by the pinned TLS
// upgrade, and keeps at most one session per device.
type Manager struct {
	cfg      Config
	devices  *device.Manager
	pairing  *pairing.Manager
	registry *plugin.Registry
	logger   *zap.Logger

	events chan Event
	idgen  *protocol.IDGenerator

	mu         sync.Mutex
	sessions   map[string]*sessionEntry
	connecting map[string]chan struct{}
	listener   *transport.TCPListener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager wires a connection manager; call Start to begin accepting.
func NewManager(cfg Config, devices *device.Manager, pm *pairing.Manager, registry *plugin.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		devices:    devices,
		pairing:    pm,
		registry:   registry,
		logger:     logger.With(zap.String("component", "session")),
		events:     make(chan Event, eventBuffer),
		idgen:      protocol.NewIDGenerator(),
		sessions:   make(map[string]*sessionEntry),
		connecting: make(map[string]chan struct{}),
	}
}

// Events streams connection lifecycle events. The channel closes on Stop.
func (m *Manager) Events() <-chan Event { return m.events }

// Start opens the TCP listener and begins accepting inbound connections.
func (m *Manager) Start(ctx context.Context) error {
	ln, err := transport.ListenTCP(fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("%w: listen: %v", protoerr.ErrTransportUnavailable, err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(ln)
	m.emit(Event{Kind: ManagerStarted, Port: ln.Port()})
	m.logger.Info("accepting connections", zap.Uint16("port", ln.Port()))
	return nil
}

// Stop closes the listener and every live session, then closes the
// event channel once all loops have drained. Safe to call more than
// once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Lock()
		ln := m.listener
		entries := make([]*sessionEntry, 0, len(m.sessions))
		for _, e := range m.sessions {
			entries = append(entries, e)
		}
		m.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		for _, e := range entries {
			e.s.close(ReasonClosed)
		}
		m.wg.Wait()
		m.emit(Event{Kind: ManagerStopped})
		close(m.events)
	})
}

// ListenPort returns the bound TCP port, useful when 0 was requested.
func (m *Manager) ListenPort() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return 0
	}
	return m.listener.Port()
}

// SessionFor returns the live session for a device, if any.
func (m *Manager) SessionFor(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// SendPacket enqueues a packet on the device's session.
func (m *Manager) SendPacket(ctx context.Context, deviceID string, p protocol.Packet) error {
	s, ok := m.SessionFor(deviceID)
	if !ok {
		return fmt.Errorf("%w: no session for %s", protoerr.ErrTransportUnavailable, deviceID)
	}
	return s.Send(ctx, p)
}

// Disconnect closes the device's session if one is live.
func (m *Manager) Disconnect(deviceID string) error {
	s, ok := m.SessionFor(deviceID)
	if !ok {
		return fmt.Errorf("%w: no session for %s", protoerr.ErrNotFound, deviceID)
	}
	s.close(ReasonClosed)
	return nil
}

// Connect establishes a session to a known device, trying transports in
// latency order. Overlapping calls for the same device collapse onto a
// single attempt.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.wg.Add(1)
	defer m.wg.Done()
	m.mu.Lock()
	if _, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		return nil
	}
	if ch, ok := m.connecting[deviceID]; ok {
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		if _, ok := m.SessionFor(deviceID); ok {
			return nil
		}
		return fmt.Errorf("%w: concurrent attempt to %s failed", protoerr.ErrTransportUnavailable, deviceID)
	}
	ch := make(chan struct{})
	m.connecting[deviceID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connecting, deviceID)
		m.mu.Unlock()
		close(ch)
	}()

	dev, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	if err := m.devices.SetConnectionState(deviceID, device.StateConnecting); err != nil {
		return err
	}

	var lastErr error
	for _, d := range transport.SelectDialers(m.cfg.Dialers) {
		tr, err := d.Dial(ctx, dialAddress(dev, d.Capabilities()))
		if err != nil {
			lastErr = err
			m.logger.Debug("dial failed",
				zap.String("device_id", deviceID),
				zap.String("latency", d.Capabilities().Latency.String()),
				zap.Error(err))
			continue
		}
		if err := m.sendIdentity(tr); err != nil {
			tr.Close()
			lastErr = err
			continue
		}
		if err := m.establish(ctx, tr, deviceID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	m.devices.SetConnectionState(deviceID, device.StateFailed)
	err = fmt.Errorf("%w: no transport reached %s", protoerr.ErrTransportUnavailable, deviceID)
	if lastErr != nil {
		err = fmt.Errorf("%w: no transport reached %s: %v", protoerr.ErrTransportUnavailable, deviceID, lastErr)
	}
	m.emit(Event{Kind: ConnectionError, DeviceID: deviceID, Err: err})
	return err
}

// dialAddress picks the endpoint string a dialer needs: host:port for
// stream transports, the bare discovered address for link-addressed
// ones like BLE.
func dialAddress(dev device.Device, caps transport.Capabilities) string {
	if !caps.SupportsEncryptionUpgrade {
		return dev.Host
	}
	port := dev.Port
	if port == 0 {
		port = transport.DefaultTCPPort
	}
	return net.JoinHostPort(dev.Host, strconv.Itoa(int(port)))
}

func (m *Manager) sendIdentity(w io.Writer) error {
	pkt, err := protocol.NewIdentityPacket(m.cfg.Identity())
	if err != nil {
		return err
	}
	pkt.ID = m.idgen.Next()
	data, err := protocol.Marshal(pkt)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (m *Manager) acceptLoop(ln *transport.TCPListener) {
	defer m.wg.Done()
	for {
		tr, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				m.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(tr)
		}()
	}
}

// handleInbound runs the acceptor side of the connection ritual: read
// the peer's plaintext identity line, record the device, then upgrade.
func (m *Manager) handleInbound(tr transport.Transport) {
	ctx, cancel := context.WithTimeout(m.ctx, identityExchangeTimeout)
	defer cancel()

	line, err := readLineInterruptible(ctx, tr)
	if err != nil {
		m.logger.Debug("inbound identity read failed", zap.Error(err))
		tr.Close()
		return
	}
	pkt, err := protocol.Parse(line)
	if err != nil {
		tr.Close()
		return
	}
	id, err := protocol.ParseIdentity(pkt)
	if err != nil {
		m.logger.Warn("rejecting inbound connection", zap.Error(err))
		tr.Close()
		return
	}
	local := m.cfg.Identity()
	if id.DeviceID == local.DeviceID {
		tr.Close()
		return
	}
	host := remoteHost(tr)
	m.devices.Observe(identityInfo(id), host, id.TCPPort)
	if err := m.establish(ctx, tr, id.DeviceID); err != nil {
		m.emit(Event{Kind: ConnectionError, DeviceID: id.DeviceID, Err: err})
	}
}

// establish upgrades the link, registers the session and starts its
// loops. It consumes tr; on error the transport is closed.
func (m *Manager) establish(ctx context.Context, tr transport.Transport, peerID string) error {
	pinned := m.pairing.PinnedCert(peerID)
	var (
		conn    io.ReadWriteCloser = tr
		peerDER []byte
	)
	if tr.Capabilities().SupportsEncryptionUpgrade {
		u, ok := tr.(interface{ Underlying() net.Conn })
		if !ok {
			tr.Close()
			return fmt.Errorf("%w: transport cannot upgrade", protoerr.ErrTransportUnavailable)
		}
		local := m.cfg.Identity()
		verifier := security.PeerVerifier{ExpectedID: peerID, PinnedDER: pinned}
		tlsConn, err := security.Upgrade(ctx, u.Underlying(), m.cfg.Cert, verifier, security.IsClient(local.DeviceID, peerID))
		if err != nil {
			tr.Close()
			if errors.Is(err, protoerr.ErrCertificateMismatch) && pinned != nil {
				m.pairing.ReportTrustBroken(peerID)
			}
			return err
		}
		peerDER, err = security.PeerDER(tlsConn)
		if err != nil {
			tlsConn.Close()
			return err
		}
		conn = tlsConn
	} else {
		// No in-band handshake on this link; only already-paired peers
		// may ride the link-layer security.
		if pinned == nil {
			tr.Close()
			return fmt.Errorf("%w: %s is not paired and the transport cannot upgrade", protoerr.ErrUnauthorized, peerID)
		}
		peerDER = pinned
	}

	s := newSession(peerID, conn, tr.Capabilities(), peerDER, m.idgen, m.cfg, m.logger)
	entry := &sessionEntry{s: s}

	// Arm plugins before the entry is published so no other goroutine
	// ever sees a half-built entry.
	trusted := false
	if dev, err := m.devices.Get(peerID); err == nil && dev.Trusted {
		entry.plugins = m.registry.Instantiate(dev.Info, s)
		trusted = true
	}

	m.mu.Lock()
	if prev, ok := m.sessions[peerID]; ok {
		prev.s.close(ReasonSuperseded)
	}
	m.sessions[peerID] = entry
	m.mu.Unlock()

	if trusted {
		m.devices.SetConnectionState(peerID, device.StateConnected)
	}
	m.emit(Event{Kind: Connected, DeviceID: peerID})
	m.logger.Info("session established",
		zap.String("device_id", peerID),
		zap.Bool("trusted", trusted))

	m.wg.Add(1)
	go m.serve(entry)
	return nil
}

func (m *Manager) serve(entry *sessionEntry) {
	defer m.wg.Done()
	s := entry.s
	s.run(m.dispatch)

	m.mu.Lock()
	wasCurrent := m.sessions[s.deviceID] == entry
	if wasCurrent {
		delete(m.sessions, s.deviceID)
	}
	plugins := entry.plugins
	m.mu.Unlock()
	if plugins != nil {
		plugins.Shutdown()
	}
	// A superseded session must not clobber the state its replacement
	// already set.
	if wasCurrent {
		m.devices.SetConnectionState(s.deviceID, device.StateDisconnected)
	}
	m.emit(Event{Kind: Disconnected, DeviceID: s.deviceID, Reason: s.CloseReason()})
	m.logger.Info("session closed",
		zap.String("device_id", s.deviceID),
		zap.String("reason", s.CloseReason()))
}

func (m *Manager) dispatch(s *Session, pkt protocol.Packet) {
	m.emit(Event{Kind: PacketReceived, DeviceID: s.deviceID, Packet: pkt})
	switch pkt.Type {
	case protocol.TypePair:
		if err := m.pairing.HandlePairPacket(s.deviceID, pkt, s.peerDER); err != nil {
			m.logger.Warn("pair packet rejected", zap.String("device_id", s.deviceID), zap.Error(err))
		}
		m.ActivateTrusted(s.deviceID)
	case protocol.TypeIdentity:
		if id, err := protocol.ParseIdentity(pkt); err == nil {
			m.devices.Observe(identityInfo(id), "", id.TCPPort)
		}
	default:
		m.mu.Lock()
		var plugins *plugin.Set
		if entry := m.sessions[s.deviceID]; entry != nil && entry.s == s {
			plugins = entry.plugins
		}
		m.mu.Unlock()
		if plugins == nil {
			m.logger.Debug("dropping packet from untrusted peer",
				zap.String("device_id", s.deviceID),
				zap.String("type", pkt.Type))
			return
		}
		plugins.Dispatch(pkt)
	}
}

// ActivateTrusted arms plugins on a live session once the device is
// trusted, typically right after pairing completes. A no-op otherwise.
func (m *Manager) ActivateTrusted(deviceID string) {
	dev, err := m.devices.Get(deviceID)
	if err != nil || !dev.Trusted {
		return
	}
	m.mu.Lock()
	entry := m.sessions[deviceID]
	if entry == nil || entry.plugins != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	set := m.registry.Instantiate(dev.Info, entry.s)

	m.mu.Lock()
	if m.sessions[deviceID] != entry || entry.plugins != nil {
		m.mu.Unlock()
		set.Shutdown()
		return
	}
	entry.plugins = set
	m.mu.Unlock()
	m.devices.SetConnectionState(deviceID, device.StateConnected)
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping event", zap.String("kind", ev.Kind.String()))
	}
}

func identityInfo(id protocol.Identity) device.Info {
	return device.Info{
		ID:                   id.DeviceID,
		Name:                 id.DeviceName,
		Type:                 device.ParseType(id.DeviceType),
		ProtocolVersion:      id.ProtocolVersion,
		IncomingCapabilities: id.IncomingCapabilities,
		OutgoingCapabilities: id.OutgoingCapabilities,
		TCPPort:              id.TCPPort,
	}
}

func remoteHost(tr transport.Transport) string {
	addr := tr.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// readLineInterruptible reads the identity line while a watchdog closes
// the transport if the exchange deadline passes or the manager shuts
// down, so a silent peer cannot pin the goroutine in a blocking Read.
func readLineInterruptible(ctx context.Context, tr transport.Transport) ([]byte, error) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-stop:
				// Read finished first; the transport now belongs to
				// the session path.
			default:
				tr.Close()
			}
		case <-stop:
		}
	}()
	line, err := readLine(ctx, tr)
	close(stop)
	return line, err
}

// readLine reads a single newline-terminated line byte by byte, leaving
// nothing buffered so a TLS handshake can follow on the same stream.
func readLine(ctx context.Context, r io.Reader) ([]byte, error) {
	var (
		line []byte
		buf  [1]byte
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, err := r.Read(buf[:])
		if n > 0 {
			if buf[0] == '\n' {
				return line, nil
			}
			line = append(line, buf[0])
			if len(line) > protocol.MaxPacketSize {
				return nil, &protoerr.SizeError{Actual: len(line), Max: protocol.MaxPacketSize}
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
