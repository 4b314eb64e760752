package pairing

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/security"
)

// DefaultTimeout is how long a pairing request may stay unanswered.
const DefaultTimeout = 30 * time.Second

// EventKind labels a pairing event.
type EventKind int

const (
	// PairingRequested reports an incoming pairing request from a peer.
	PairingRequested EventKind = iota
	// ConfirmationRequired asks the user to compare fingerprints and
	// call Accept or Reject.
	ConfirmationRequired
	// PairingCompleted reports established trust.
	PairingCompleted
	// PairingRejected reports the peer (or the local user) declined.
	PairingRejected
	// PairingTimedOut reports an expired request.
	PairingTimedOut
	// Unpaired reports revoked trust.
	Unpaired
	// TrustBroken reports a pinned-certificate mismatch on an existing
	// trust relationship; the peer was demoted to NotPaired.
	TrustBroken
)

func (k EventKind) String() string {
	switch k {
	case PairingRequested:
		return "pairing_requested"
	case ConfirmationRequired:
		return "confirmation_required"
	case PairingCompleted:
		return "pairing_completed"
	case PairingRejected:
		return "pairing_rejected"
	case PairingTimedOut:
		return "pairing_timed_out"
	case Unpaired:
		return "unpaired"
	default:
		return "trust_broken"
	}
}

// Event is one pairing state change surfaced to the UI.
type Event struct {
	Kind             EventKind
	DeviceID         string
	LocalFingerprint string
	PeerFingerprint  string
}

// PacketSender delivers a packet to a device over its active link.
type PacketSender func(deviceID string, p protocol.Packet) error

type pendingPair struct {
	timer   *time.Timer
	peerDER []byte
}

// Manager drives the pairing state machine for every peer. State lives
// in the device manager; the pairing manager owns the trust store, the
// per-request timers and the captured peer certificates.
type Manager struct {
	devices      *device.Manager
	store        *Store
	send         PacketSender
	events       chan<- Event
	localCertDER []byte
	timeout      time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingPair
}

// NewManager builds a pairing manager.
func NewManager(devices *device.Manager, store *Store, localCertDER []byte, send PacketSender, events chan<- Event, timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		devices:      devices,
		store:        store,
		send:         send,
		events:       events,
		localCertDER: append([]byte(nil), localCertDER...),
		timeout:      timeout,
		logger:       logger.With(zap.String("component", "pairing")),
		pending:      make(map[string]*pendingPair),
	}
}

// RestoreTrusted seeds the device manager from the trust store at
// startup.
func (m *Manager) RestoreTrusted() error {
	records, err := m.store.All()
	if err != nil {
		return err
	}
	for _, rec := range records {
		m.devices.Restore(device.Info{
			ID:   rec.DeviceID,
			Name: rec.Name,
			Type: device.ParseType(rec.DeviceType),
		}, rec.CertDER, rec.Fingerprint, rec.LastSeenAt)
	}
	return nil
}

// PinnedCert returns the stored DER for a device, or nil when untrusted.
func (m *Manager) PinnedCert(deviceID string) []byte {
	d, err := m.devices.Get(deviceID)
	if err != nil || !d.Trusted {
		return nil
	}
	return d.CertDER
}

// Request initiates pairing with a peer whose certificate was captured
// from the live TLS link. Initiating counts as the local confirmation;
// the fingerprints are still surfaced so the user can compare them.
func (m *Manager) Request(deviceID string, peerDER []byte) error {
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	switch d.PairStatus {
	case device.PairPaired:
		return fmt.Errorf("%w: already paired with %s", protoerr.ErrInvalidState, deviceID)
	case device.PairRequested, device.PairRequestedByPeer:
		return fmt.Errorf("%w: pairing with %s already in progress", protoerr.ErrInvalidState, deviceID)
	}
	if len(peerDER) == 0 {
		return fmt.Errorf("%w: no peer certificate captured for %s", protoerr.ErrInvalidState, deviceID)
	}

	if err := m.send(deviceID, protocol.NewPairPacket(true)); err != nil {
		return fmt.Errorf("send pair request: %w", err)
	}
	if err := m.devices.SetPairStatus(deviceID, device.PairRequested); err != nil {
		return err
	}
	m.startTimer(deviceID, peerDER)
	m.emit(Event{
		Kind:             ConfirmationRequired,
		DeviceID:         deviceID,
		LocalFingerprint: security.Fingerprint(m.localCertDER),
		PeerFingerprint:  security.Fingerprint(peerDER),
	})
	return nil
}

// HandlePairPacket processes an inbound kdeconnect.pair packet. peerDER
// is the certificate the peer presented on the link the packet arrived
// over.
func (m *Manager) HandlePairPacket(deviceID string, p protocol.Packet, peerDER []byte) error {
	var body protocol.PairBody
	if err := p.UnmarshalBody(&body); err != nil {
		return err
	}
	if body.Pair {
		return m.handlePairRequest(deviceID, peerDER)
	}
	return m.handlePairRevoke(deviceID)
}

func (m *Manager) handlePairRequest(deviceID string, peerDER []byte) error {
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	switch d.PairStatus {
	case device.PairRequested:
		// Peer accepted our request.
		return m.complete(deviceID, m.pendingDER(deviceID, peerDER))
	case device.PairPaired:
		// Duplicate accept, nothing to do.
		return nil
	case device.PairRequestedByPeer:
		// Duplicate request, keep waiting for the local user.
		return nil
	default:
		if len(peerDER) == 0 {
			return fmt.Errorf("%w: pair request without peer certificate", protoerr.ErrInvalidState)
		}
		if err := m.devices.SetPairStatus(deviceID, device.PairRequestedByPeer); err != nil {
			return err
		}
		m.startTimer(deviceID, peerDER)
		m.emit(Event{Kind: PairingRequested, DeviceID: deviceID})
		m.emit(Event{
			Kind:             ConfirmationRequired,
			DeviceID:         deviceID,
			LocalFingerprint: security.Fingerprint(m.localCertDER),
			PeerFingerprint:  security.Fingerprint(peerDER),
		})
		return nil
	}
}

func (m *Manager) handlePairRevoke(deviceID string) error {
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	m.stopTimer(deviceID)
	switch d.PairStatus {
	case device.PairRequested:
		if err := m.devices.SetPairStatus(deviceID, device.PairRejected); err != nil {
			return err
		}
		m.emit(Event{Kind: PairingRejected, DeviceID: deviceID})
	case device.PairRequestedByPeer:
		if err := m.devices.SetPairStatus(deviceID, device.PairNotPaired); err != nil {
			return err
		}
		m.emit(Event{Kind: PairingRejected, DeviceID: deviceID})
	case device.PairPaired:
		if err := m.store.Delete(deviceID); err != nil {
			return err
		}
		m.devices.ClearTrust(deviceID)
		m.emit(Event{Kind: Unpaired, DeviceID: deviceID})
	}
	return nil
}

// Accept confirms an incoming pairing request. For an outgoing request
// the initiation already counted as confirmation, so Accept is a no-op.
func (m *Manager) Accept(deviceID string) error {
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	switch d.PairStatus {
	case device.PairRequested:
		return nil
	case device.PairRequestedByPeer:
	default:
		return fmt.Errorf("%w: no pending pairing for %s", protoerr.ErrInvalidState, deviceID)
	}

	der := m.pendingDER(deviceID, nil)
	if len(der) == 0 {
		return fmt.Errorf("%w: lost peer certificate for %s", protoerr.ErrInvalidState, deviceID)
	}
	if err := m.send(deviceID, protocol.NewPairPacket(true)); err != nil {
		return fmt.Errorf("send pair accept: %w", err)
	}
	return m.complete(deviceID, der)
}

// Reject declines an incoming pairing request.
func (m *Manager) Reject(deviceID string) error {
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	if d.PairStatus != device.PairRequestedByPeer {
		return fmt.Errorf("%w: no pending pairing for %s", protoerr.ErrInvalidState, deviceID)
	}
	m.stopTimer(deviceID)
	if err := m.send(deviceID, protocol.NewPairPacket(false)); err != nil {
		m.logger.Warn("send pair reject", zap.String("device_id", deviceID), zap.Error(err))
	}
	if err := m.devices.SetPairStatus(deviceID, device.PairNotPaired); err != nil {
		return err
	}
	m.emit(Event{Kind: PairingRejected, DeviceID: deviceID})
	return nil
}

// Unpair revokes trust in a peer. The revocation packet is best effort;
// local state is cleared regardless.
func (m *Manager) Unpair(deviceID string) error {
	m.stopTimer(deviceID)
	if err := m.send(deviceID, protocol.NewPairPacket(false)); err != nil {
		m.logger.Debug("send unpair", zap.String("device_id", deviceID), zap.Error(err))
	}
	if err := m.store.Delete(deviceID); err != nil {
		return err
	}
	m.devices.ClearTrust(deviceID)
	m.emit(Event{Kind: Unpaired, DeviceID: deviceID})
	return nil
}

// ReportTrustBroken demotes a peer after a pinned-certificate mismatch
// on an existing trust relationship.
func (m *Manager) ReportTrustBroken(deviceID string) {
	if err := m.store.Delete(deviceID); err != nil {
		m.logger.Error("delete broken trust record", zap.String("device_id", deviceID), zap.Error(err))
	}
	m.devices.ClearTrust(deviceID)
	m.emit(Event{Kind: TrustBroken, DeviceID: deviceID})
}

func (m *Manager) complete(deviceID string, peerDER []byte) error {
	if len(peerDER) == 0 {
		return fmt.Errorf("%w: no peer certificate to pin for %s", protoerr.ErrInvalidState, deviceID)
	}
	m.stopTimer(deviceID)

	fingerprint := security.Fingerprint(peerDER)
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}
	now := time.Now()
	rec := TrustedPeerRecord{
		DeviceID:      deviceID,
		Name:          d.Info.Name,
		DeviceType:    string(d.Info.Type),
		CertDER:       peerDER,
		Fingerprint:   fingerprint,
		FirstPairedAt: now,
		LastSeenAt:    now,
	}
	if prev, err := m.store.Get(deviceID); err == nil {
		rec.FirstPairedAt = prev.FirstPairedAt
	}
	if err := m.store.Save(rec); err != nil {
		return err
	}
	if err := m.devices.SetTrusted(deviceID, peerDER, fingerprint); err != nil {
		return err
	}
	m.emit(Event{
		Kind:             PairingCompleted,
		DeviceID:         deviceID,
		LocalFingerprint: security.Fingerprint(m.localCertDER),
		PeerFingerprint:  fingerprint,
	})
	return nil
}

// pendingDER returns the captured certificate for a pending pairing,
// preferring fallback when the caller brought a fresher one.
func (m *Manager) pendingDER(deviceID string, fallback []byte) []byte {
	if len(fallback) > 0 {
		return fallback
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[deviceID]; ok {
		return p.peerDER
	}
	return nil
}

func (m *Manager) startTimer(deviceID string, peerDER []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[deviceID]; ok {
		p.timer.Stop()
	}
	m.pending[deviceID] = &pendingPair{
		peerDER: append([]byte(nil), peerDER...),
		timer: time.AfterFunc(m.timeout, func() {
			m.expire(deviceID)
		}),
	}
}

func (m *Manager) stopTimer(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[deviceID]; ok {
		p.timer.Stop()
		delete(m.pending, deviceID)
	}
}

func (m *Manager) expire(deviceID string) {
	m.mu.Lock()
	if _, ok := m.pending[deviceID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, deviceID)
	m.mu.Unlock()

	d, err := m.devices.Get(deviceID)
	if err != nil {
		return
	}
	if d.PairStatus != device.PairRequested && d.PairStatus != device.PairRequestedByPeer {
		return
	}
	if err := m.devices.SetPairStatus(deviceID, device.PairNotPaired); err != nil {
		m.logger.Error("reset pair status", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	m.emit(Event{Kind: PairingTimedOut, DeviceID: deviceID})
}

func (m *Manager) emit(ev Event) {
	if m.events == nil {
		return
	}
	m.events <- ev
}
