package device

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// Manager owns the device map. It is the only long-lived shared structure
// in the daemon; all access runs under short critical sections and readers
// receive snapshots. No I/O happens under the lock.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]*Device
	logger  *zap.Logger
}

// NewManager returns an empty device manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		devices: make(map[string]*Device),
		logger:  logger.With(zap.String("component", "device_manager")),
	}
}

// Observe records a discovery or identity observation. It returns a
// snapshot of the updated device and whether it was previously unknown.
func (m *Manager) Observe(info Info, host string, port uint16) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[info.ID]
	if !ok {
		d = &Device{
			Info:            info,
			ConnectionState: StateDisconnected,
			PairStatus:      PairNotPaired,
		}
		m.devices[info.ID] = d
	} else {
		d.Info = info
	}
	if host != "" {
		d.Host = host
	}
	if port != 0 {
		d.Port = port
	}
	d.LastSeen = time.Now()
	return d.clone(), !ok
}

// Get returns a snapshot of the device.
func (m *Manager) Get(deviceID string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%w: device %s", protoerr.ErrNotFound, deviceID)
	}
	return d.clone(), nil
}

// All returns snapshots of every known device.
func (m *Manager) All() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.clone())
	}
	return out
}

// Remove drops a device from the map, typically after DeviceLost for an
// untrusted peer.
func (m *Manager) Remove(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
}

// SetConnectionState transitions the connection state of a device.
// Entering StateConnected requires the device to be trusted.
func (m *Manager) SetConnectionState(deviceID string, state ConnectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %s", protoerr.ErrNotFound, deviceID)
	}
	if state == StateConnected && !d.Trusted {
		return fmt.Errorf("%w: device %s is not trusted", protoerr.ErrUnauthorized, deviceID)
	}
	d.ConnectionState = state
	if state == StateConnected {
		d.LastConnected = time.Now()
	}
	return nil
}

// SetPairStatus records the pairing state machine position.
func (m *Manager) SetPairStatus(deviceID string, status PairStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %s", protoerr.ErrNotFound, deviceID)
	}
	d.PairStatus = status
	if status != PairPaired {
		// Trust exists only while paired with a stored certificate.
		d.Trusted = false
		d.CertDER = nil
		d.CertFingerprint = ""
	}
	return nil
}

// SetTrusted marks a device paired and pins its certificate. An empty
// certificate is rejected: trust without a pinned DER is never valid.
func (m *Manager) SetTrusted(deviceID string, certDER []byte, fingerprint string) error {
	if len(certDER) == 0 {
		return fmt.Errorf("%w: empty certificate for %s", protoerr.ErrInvalidState, deviceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %s", protoerr.ErrNotFound, deviceID)
	}
	d.PairStatus = PairPaired
	d.Trusted = true
	d.CertDER = append([]byte(nil), certDER...)
	d.CertFingerprint = fingerprint
	return nil
}

// ClearTrust demotes a device to NotPaired and forgets its certificate.
func (m *Manager) ClearTrust(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return
	}
	d.PairStatus = PairNotPaired
	d.Trusted = false
	d.CertDER = nil
	d.CertFingerprint = ""
}

// Restore seeds a device from a persisted trusted-peer record at startup.
func (m *Manager) Restore(info Info, certDER []byte, fingerprint string, lastSeen time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[info.ID] = &Device{
		Info:            info,
		ConnectionState: StateDisconnected,
		PairStatus:      PairPaired,
		Trusted:         true,
		CertDER:         append([]byte(nil), certDER...),
		CertFingerprint: fingerprint,
		LastSeen:        lastSeen,
	}
}
