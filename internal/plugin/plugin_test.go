package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
)

type captureSender struct {
	sent []protocol.Packet
}

func (c *captureSender) Send(_ context.Context, p protocol.Packet) error {
	c.sent = append(c.sent, p)
	return nil
}

type fakePlugin struct {
	name     string
	incoming []string
	handled  []protocol.Packet
	fail     bool
	shutdown bool
}

func (f *fakePlugin) Name() string { return f.name }
func (f *fakePlugin) Capabilities() Capabilities {
	return Capabilities{Incoming: f.incoming, Outgoing: f.incoming}
}
func (f *fakePlugin) Init(device.Info, Sender) error { return nil }
func (f *fakePlugin) HandlePacket(p protocol.Packet) error {
	f.handled = append(f.handled, p)
	if f.fail {
		return errors.New("handler exploded")
	}
	return nil
}
func (f *fakePlugin) Shutdown() { f.shutdown = true }

func deviceWith(outgoing ...string) device.Info {
	return device.Info{
		ID:                   "dev-1",
		Name:                 "Pixel",
		Type:                 device.TypePhone,
		OutgoingCapabilities: outgoing,
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(NewPing))
	err := r.Register(NewPing)
	assert.ErrorIs(t, err, protoerr.ErrInvalidState)
	assert.Equal(t, []string{"ping"}, r.Names())
}

func TestInstantiateByCapabilityIntersection(t *testing.T) {
	r := NewRegistry(nil)
	battery := &fakePlugin{name: "battery", incoming: []string{"kdeconnect.battery"}}
	clip := &fakePlugin{name: "clipboard", incoming: []string{"kdeconnect.clipboard"}}
	require.NoError(t, r.Register(func() Plugin { return battery }))
	require.NoError(t, r.Register(func() Plugin { return clip }))

	set := r.Instantiate(deviceWith("kdeconnect.battery"), &captureSender{})
	assert.Equal(t, 1, set.Len(), "only plugins whose interests intersect are created")

	pkt, err := protocol.New("kdeconnect.battery", map[string]int{"currentCharge": 80})
	require.NoError(t, err)
	set.Dispatch(pkt)
	assert.Len(t, battery.handled, 1)
	assert.Empty(t, clip.handled)
}

func TestDispatchFansOutAndAbsorbsErrors(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakePlugin{name: "a", incoming: []string{"kdeconnect.ping"}, fail: true}
	b := &fakePlugin{name: "b", incoming: []string{"kdeconnect.ping"}}
	require.NoError(t, r.Register(func() Plugin { return a }))
	require.NoError(t, r.Register(func() Plugin { return b }))

	set := r.Instantiate(deviceWith("kdeconnect.ping"), &captureSender{})
	require.Equal(t, 2, set.Len())

	pkt := protocol.NewPingPacket()
	set.Dispatch(pkt)
	assert.Len(t, a.handled, 1, "failing handler still ran")
	assert.Len(t, b.handled, 1, "handler error must not stop fan-out")

	set.Shutdown()
	assert.True(t, a.shutdown)
	assert.True(t, b.shutdown)
	assert.Zero(t, set.Len())
}

func TestAllCapabilitiesMerged(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(NewPing))
	require.NoError(t, r.Register(func() Plugin {
		return &fakePlugin{name: "battery", incoming: []string{"kdeconnect.battery"}}
	}))

	caps := r.AllCapabilities()
	assert.ElementsMatch(t, []string{"kdeconnect.ping", "kdeconnect.battery"}, caps.Incoming)
}

func TestPingPluginEchoesBarePing(t *testing.T) {
	sender := &captureSender{}
	p := NewPing()
	require.NoError(t, p.Init(deviceWith(protocol.TypePing), sender))

	require.NoError(t, p.HandlePacket(protocol.NewPingPacket()))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, protocol.TypePing, sender.sent[0].Type)

	// The echo itself must not be echoed back.
	require.NoError(t, p.HandlePacket(sender.sent[0]))
	assert.Len(t, sender.sent, 1)

	// Message pings are notifications, not probes.
	msg, err := protocol.New(protocol.TypePing, map[string]string{"message": "hi"})
	require.NoError(t, err)
	require.NoError(t, p.HandlePacket(msg))
	assert.Len(t, sender.sent, 1)
}
