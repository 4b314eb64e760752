// Package daemon assembles the full service: discovery, sessions,
// pairing, payload transfers and recovery, wired behind one façade the
// CLI drives.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/lanlink/lanlinkd/internal/config"
	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/discovery"
	"github.com/lanlink/lanlinkd/internal/pairing"
	"github.com/lanlink/lanlinkd/internal/payload"
	"github.com/lanlink/lanlinkd/internal/plugin"
	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/recovery"
	"github.com/lanlink/lanlinkd/internal/resource"
	"github.com/lanlink/lanlinkd/internal/security"
	"github.com/lanlink/lanlinkd/internal/session"
	"github.com/lanlink/lanlinkd/internal/transport"
)

// Daemon owns every subsystem and their shared lifecycle.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger
	cert   tls.Certificate

	devices   *device.Manager
	store     *pairing.Store
	pairs     *pairing.Manager
	registry  *plugin.Registry
	sessions  *session.Manager
	disc      *discovery.Manager
	recov     *recovery.Coordinator
	transfers *recovery.Tracker
	resources *resource.Manager

	pairEvents chan pairing.Event
	discEvents chan discovery.Event

	wg sync.WaitGroup
}

// New wires the daemon from configuration. Nothing runs until Run.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cert, err := security.LoadOrCreateCertificate(cfg.DeviceID, cfg.SystemPaths.CertFile, cfg.SystemPaths.KeyFile)
	if err != nil {
		return nil, err
	}
	store, err := pairing.OpenStore(cfg.SystemPaths.DBFile)
	if err != nil {
		return nil, err
	}
	transfers, err := recovery.OpenTracker(filepath.Join(cfg.SystemPaths.DataDir, "transfers.db"))
	if err != nil {
		store.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "daemon")),
		cert:       cert,
		devices:    device.NewManager(logger),
		store:      store,
		transfers:  transfers,
		resources:  resource.NewManager(cfg.Transfers.BytesBudget, cfg.Transfers.MaxConcurrent),
		pairEvents: make(chan pairing.Event, 64),
		discEvents: make(chan discovery.Event, 64),
	}

	d.pairs = pairing.NewManager(d.devices, store, cert.Certificate[0],
		d.sendPairPacket, d.pairEvents, cfg.Pairing.Timeout, logger)

	d.registry = plugin.NewRegistry(logger)
	if err := d.registry.Register(plugin.NewPing); err != nil {
		return nil, err
	}

	dialers := []transport.Dialer{transport.TCPDialer{}}
	if cfg.Network.EnableBluetooth {
		dialers = append(dialers, transport.BLEDialer{})
	}
	d.sessions = session.NewManager(session.Config{
		Identity:   d.identity,
		Cert:       cert,
		ListenPort: cfg.Network.TCPPort,
		Dialers:    dialers,
	}, d.devices, d.pairs, d.registry, logger)

	d.recov = recovery.NewCoordinator(recovery.Config{}, d.sessions, d.devices, logger)

	discoverers := []discovery.Discoverer{
		discovery.NewUDPDiscoverer(discovery.UDPConfig{
			Port:     cfg.Network.UDPPort,
			Interval: cfg.Network.BroadcastInterval,
			Identity: d.identity,
		}, d.discEvents, logger),
	}
	if cfg.Network.EnableMDNS {
		discoverers = append(discoverers, discovery.NewMDNSDiscoverer(d.identity, d.discEvents, logger))
	}
	if cfg.Network.EnableBluetooth {
		discoverers = append(discoverers, discovery.NewBLEDiscoverer(bluetooth.DefaultAdapter, d.identity, d.discEvents, logger))
	}
	d.disc = discovery.NewManager(discoverers, d.discEvents, logger)

	return d, nil
}

// identity snapshots the local identity, including the live capability
// set and the bound TCP port.
func (d *Daemon) identity() protocol.Identity {
	caps := d.registry.AllCapabilities()
	return protocol.Identity{
		DeviceID:             d.cfg.DeviceID,
		DeviceName:           d.cfg.DeviceName,
		DeviceType:           d.cfg.DeviceType,
		ProtocolVersion:      d.cfg.ProtocolVersion,
		IncomingCapabilities: caps.Incoming,
		OutgoingCapabilities: caps.Outgoing,
		TCPPort:              d.sessions.ListenPort(),
	}
}

func (d *Daemon) sendPairPacket(deviceID string, p protocol.Packet) error {
	return d.sessions.SendPacket(context.Background(), deviceID, p)
}

// Run starts every subsystem and blocks until ctx is canceled, then
// shuts them down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pairs.RestoreTrusted(); err != nil {
		return err
	}
	if err := d.sessions.Start(ctx); err != nil {
		return err
	}
	d.recov.Start(ctx)
	d.disc.Start(ctx)

	d.wg.Add(4)
	go d.watchDiscovery(ctx)
	go d.watchSessions(ctx)
	go d.watchPairing(ctx)
	go d.serveControl(ctx)
	d.logger.Info("daemon running",
		zap.String("device_id", d.cfg.DeviceID),
		zap.Uint16("tcp_port", d.sessions.ListenPort()))

	<-ctx.Done()

	d.disc.Stop()
	d.recov.Stop()
	d.sessions.Stop()
	d.wg.Wait()
	d.transfers.Close()
	d.store.Close()
	d.logger.Info("daemon stopped")
	return nil
}

// watchDiscovery feeds discovery observations into the device map and
// auto-connects trusted devices as they appear.
func (d *Daemon) watchDiscovery(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-d.disc.Events():
			if !ok {
				return
			}
			d.handleDiscovery(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) handleDiscovery(ctx context.Context, ev discovery.Event) {
	switch ev.Kind {
	case discovery.DeviceFound:
		info := device.Info{
			ID:                   ev.Identity.DeviceID,
			Name:                 ev.Identity.DeviceName,
			Type:                 device.ParseType(ev.Identity.DeviceType),
			ProtocolVersion:      ev.Identity.ProtocolVersion,
			IncomingCapabilities: ev.Identity.IncomingCapabilities,
			OutgoingCapabilities: ev.Identity.OutgoingCapabilities,
			TCPPort:              ev.Identity.TCPPort,
		}
		dev, isNew := d.devices.Observe(info, ev.Source, ev.Identity.TCPPort)
		if isNew {
			d.logger.Info("device discovered",
				zap.String("device_id", dev.Info.ID),
				zap.String("name", dev.Info.Name))
		}
		d.recov.OnDiscovered(dev.Info.ID)
		if dev.Trusted && dev.ConnectionState == device.StateDisconnected {
			deviceID := dev.Info.ID
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.sessions.Connect(ctx, deviceID); err != nil {
					d.logger.Debug("auto-connect failed", zap.String("device_id", deviceID), zap.Error(err))
				}
			}()
		}
	case discovery.DeviceLost:
		d.logger.Debug("device lost", zap.String("device_id", ev.DeviceID))
	case discovery.DiscoveryError:
		d.logger.Warn("discovery error", zap.Error(ev.Err))
	}
}

// watchSessions relays session lifecycle into the recovery coordinator.
func (d *Daemon) watchSessions(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-d.sessions.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case session.Connected:
				d.recov.OnConnected(ev.DeviceID)
				d.offerResumableTransfers(ctx, ev.DeviceID)
			case session.Disconnected:
				voluntary := ev.Reason == session.ReasonClosed || ev.Reason == session.ReasonSuperseded
				d.recov.OnDisconnected(ev.DeviceID, ev.Reason, voluntary)
			}
		case <-ctx.Done():
			return
		}
	}
}

// offerResumableTransfers tells a freshly connected peer where our
// interrupted transfers left off.
func (d *Daemon) offerResumableTransfers(ctx context.Context, deviceID string) {
	open, err := d.transfers.Incomplete(deviceID)
	if err != nil {
		d.logger.Warn("listing incomplete transfers", zap.Error(err))
		return
	}
	for _, st := range open {
		pkt, err := recovery.NewResumePacket(st)
		if err != nil {
			continue
		}
		if err := d.sessions.SendPacket(ctx, deviceID, pkt); err != nil {
			d.logger.Debug("resume offer failed",
				zap.String("device_id", deviceID),
				zap.String("transfer_id", st.TransferID),
				zap.Error(err))
			return
		}
	}
}

// Devices snapshots the known device list.
func (d *Daemon) Devices() []device.Device { return d.devices.All() }

// Connect establishes a session to a known device.
func (d *Daemon) Connect(ctx context.Context, deviceID string) error {
	return d.sessions.Connect(ctx, deviceID)
}

// Disconnect closes the device's session.
func (d *Daemon) Disconnect(deviceID string) error {
	return d.sessions.Disconnect(deviceID)
}

// Pair connects to the device if needed and sends a pairing request.
func (d *Daemon) Pair(ctx context.Context, deviceID string) error {
	if _, ok := d.sessions.SessionFor(deviceID); !ok {
		if err := d.sessions.Connect(ctx, deviceID); err != nil {
			return err
		}
	}
	s, ok := d.sessions.SessionFor(deviceID)
	if !ok {
		return fmt.Errorf("%w: no session for %s", protoerr.ErrTransportUnavailable, deviceID)
	}
	return d.pairs.Request(deviceID, s.PeerCertificate())
}

// ConfirmPairing resolves a peer-initiated pairing request.
func (d *Daemon) ConfirmPairing(deviceID string, accept bool) error {
	if !accept {
		return d.pairs.Reject(deviceID)
	}
	if err := d.pairs.Accept(deviceID); err != nil {
		return err
	}
	d.sessions.ActivateTrusted(deviceID)
	return nil
}

// Unpair revokes trust in both directions.
func (d *Daemon) Unpair(deviceID string) error {
	return d.pairs.Unpair(deviceID)
}

// SendPacket sends an application packet to a connected device.
func (d *Daemon) SendPacket(ctx context.Context, deviceID string, p protocol.Packet) error {
	return d.sessions.SendPacket(ctx, deviceID, p)
}

// watchPairing reacts to pairing outcomes: completed pairings arm
// plugins on any live session, everything is logged for the operator.
func (d *Daemon) watchPairing(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.pairEvents:
			switch ev.Kind {
			case pairing.ConfirmationRequired:
				d.logger.Info("pairing confirmation required",
					zap.String("device_id", ev.DeviceID),
					zap.String("local_fingerprint", ev.LocalFingerprint),
					zap.String("peer_fingerprint", ev.PeerFingerprint))
			case pairing.PairingCompleted:
				d.sessions.ActivateTrusted(ev.DeviceID)
				d.logger.Info("paired", zap.String("device_id", ev.DeviceID))
			case pairing.TrustBroken:
				d.logger.Warn("trust broken, device demoted", zap.String("device_id", ev.DeviceID))
			default:
				d.logger.Info("pairing event",
					zap.String("kind", ev.Kind.String()),
					zap.String("device_id", ev.DeviceID))
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendPayload serves a payload on an ephemeral sidechannel and sends
// the announcing packet. The transfer is tracked for resumption and
// counted against the memory budget until the peer drains it.
func (d *Daemon) SendPayload(ctx context.Context, deviceID string, p protocol.Packet, r io.Reader, size int64) error {
	release, err := d.resources.Admit(size)
	if err != nil {
		return err
	}
	st, err := d.transfers.Begin(deviceID, recovery.DirectionSend, size)
	if err != nil {
		release()
		return err
	}
	verifier := security.PeerVerifier{ExpectedID: deviceID, PinnedDER: d.pairs.PinnedCert(deviceID)}
	srv, err := payload.Serve(ctx, d.cert, verifier, r, size, d.logger)
	if err != nil {
		release()
		d.transfers.Complete(st.TransferID)
		return err
	}
	p.PayloadSize = size
	p.PayloadTransferInfo = &protocol.PayloadTransferInfo{Port: srv.Port()}
	if err := d.sessions.SendPacket(ctx, deviceID, p); err != nil {
		srv.Close()
		release()
		d.transfers.Complete(st.TransferID)
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer release()
		err := <-srv.Done()
		if err != nil {
			d.logger.Warn("payload transfer failed",
				zap.String("device_id", deviceID),
				zap.String("transfer_id", st.TransferID),
				zap.Error(err))
			return
		}
		d.transfers.Complete(st.TransferID)
	}()
	return nil
}

// FetchPayload pulls the payload a received packet announces, writing
// it to w with periodic durable checkpoints.
func (d *Daemon) FetchPayload(ctx context.Context, deviceID string, p protocol.Packet, w io.Writer) error {
	if !p.HasPayload() {
		return fmt.Errorf("%w: packet carries no payload", protoerr.ErrInvalidPacket)
	}
	dev, err := d.devices.Get(deviceID)
	if err != nil {
		return err
	}
	release, err := d.resources.Admit(p.PayloadSize)
	if err != nil {
		return err
	}
	defer release()
	st, err := d.transfers.Begin(deviceID, recovery.DirectionReceive, p.PayloadSize)
	if err != nil {
		return err
	}
	verifier := security.PeerVerifier{ExpectedID: deviceID, PinnedDER: d.pairs.PinnedCert(deviceID)}
	cw := &checkpointWriter{w: w, tracker: d.transfers, id: st.TransferID, total: p.PayloadSize}
	if err := payload.Fetch(ctx, dev.Host, p.PayloadTransferInfo.Port, d.cert, verifier, p.PayloadSize, cw); err != nil {
		return err
	}
	return d.transfers.Complete(st.TransferID)
}

// checkpointWriter records transfer progress as bytes land.
type checkpointWriter struct {
	w       io.Writer
	tracker *recovery.Tracker
	id      string
	total   int64
	written int64
}

func (c *checkpointWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.written += int64(n)
		c.tracker.Checkpoint(c.id, c.written, c.total)
	}
	return n, err
}
