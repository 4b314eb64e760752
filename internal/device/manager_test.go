package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

func phoneInfo(id string) Info {
	return Info{
		ID:                   id,
		Name:                 "Pixel",
		Type:                 TypePhone,
		ProtocolVersion:      8,
		IncomingCapabilities: []string{"kdeconnect.ping"},
		OutgoingCapabilities: []string{"kdeconnect.ping"},
		TCPPort:              1716,
	}
}

func TestObserveNewAndKnown(t *testing.T) {
	m := NewManager(nil)

	d, isNew := m.Observe(phoneInfo("dev-1"), "192.168.1.20", 1716)
	assert.True(t, isNew)
	assert.Equal(t, StateDisconnected, d.ConnectionState)
	assert.Equal(t, PairNotPaired, d.PairStatus)
	assert.WithinDuration(t, time.Now(), d.LastSeen, time.Second)

	_, isNew = m.Observe(phoneInfo("dev-1"), "192.168.1.21", 1716)
	assert.False(t, isNew)

	got, err := m.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.21", got.Host)
}

func TestConnectedRequiresTrust(t *testing.T) {
	m := NewManager(nil)
	m.Observe(phoneInfo("dev-1"), "10.0.0.2", 1716)

	err := m.SetConnectionState("dev-1", StateConnected)
	assert.ErrorIs(t, err, protoerr.ErrUnauthorized)

	require.NoError(t, m.SetTrusted("dev-1", []byte{0x30, 0x82}, "AA:BB"))
	require.NoError(t, m.SetConnectionState("dev-1", StateConnected))

	got, err := m.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, got.ConnectionState)
	assert.WithinDuration(t, time.Now(), got.LastConnected, time.Second)
}

func TestTrustInvariant(t *testing.T) {
	m := NewManager(nil)
	m.Observe(phoneInfo("dev-1"), "10.0.0.2", 1716)

	// Trust without a certificate is never valid.
	err := m.SetTrusted("dev-1", nil, "")
	assert.ErrorIs(t, err, protoerr.ErrInvalidState)

	require.NoError(t, m.SetTrusted("dev-1", []byte{1, 2, 3}, "01:02:03"))
	d, err := m.Get("dev-1")
	require.NoError(t, err)
	assert.True(t, d.Trusted)
	assert.Equal(t, PairPaired, d.PairStatus)
	assert.NotEmpty(t, d.CertDER)

	// Leaving Paired clears trust and the pinned certificate.
	require.NoError(t, m.SetPairStatus("dev-1", PairNotPaired))
	d, err = m.Get("dev-1")
	require.NoError(t, err)
	assert.False(t, d.Trusted)
	assert.Empty(t, d.CertDER)
	assert.Empty(t, d.CertFingerprint)
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	m := NewManager(nil)
	m.Observe(phoneInfo("dev-1"), "10.0.0.2", 1716)
	require.NoError(t, m.SetTrusted("dev-1", []byte{1, 2, 3}, "01:02:03"))

	d, err := m.Get("dev-1")
	require.NoError(t, err)
	d.CertDER[0] = 0xFF
	d.Info.IncomingCapabilities[0] = "mutated"

	fresh, err := m.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, byte(1), fresh.CertDER[0])
	assert.Equal(t, "kdeconnect.ping", fresh.Info.IncomingCapabilities[0])
}

func TestGetUnknown(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, protoerr.ErrNotFound)
}
