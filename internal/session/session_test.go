package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/pairing"
	"github.com/lanlink/lanlinkd/internal/plugin"
	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
	"github.com/lanlink/lanlinkd/internal/security"
	"github.com/lanlink/lanlinkd/internal/transport"
)

type testNode struct {
	id         string
	cert       tls.Certificate
	devices    *device.Manager
	store      *pairing.Store
	pairs      *pairing.Manager
	pairEvents chan pairing.Event
	mgr        *Manager
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	cert, err := security.GenerateCertificate(id)
	require.NoError(t, err)
	store, err := pairing.OpenStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := &testNode{
		id:         id,
		cert:       cert,
		devices:    device.NewManager(nil),
		store:      store,
		pairEvents: make(chan pairing.Event, 32),
	}
	n.pairs = pairing.NewManager(n.devices, store, cert.Certificate[0],
		func(deviceID string, p protocol.Packet) error {
			return n.mgr.SendPacket(context.Background(), deviceID, p)
		}, n.pairEvents, time.Minute, nil)

	registry := plugin.NewRegistry(nil)
	require.NoError(t, registry.Register(plugin.NewPing))

	n.mgr = NewManager(Config{
		Identity: func() protocol.Identity {
			return protocol.Identity{
				DeviceID:        id,
				DeviceName:      id,
				DeviceType:      "desktop",
				ProtocolVersion: protocol.ProtocolVersionDefault,
				TCPPort:         n.mgr.ListenPort(),
			}
		},
		Cert:       cert,
		ListenPort: 0,
		Dialers:    []transport.Dialer{transport.TCPDialer{}},
	}, n.devices, n.pairs, registry, zap.NewNop())
	require.NoError(t, n.mgr.Start(context.Background()))
	t.Cleanup(n.mgr.Stop)
	return n
}

// observe teaches n where peer listens so Connect can dial it.
func (n *testNode) observe(peer *testNode) {
	n.devices.Observe(device.Info{
		ID:              peer.id,
		Name:            peer.id,
		Type:            device.TypeDesktop,
		ProtocolVersion: protocol.ProtocolVersionDefault,
	}, "127.0.0.1", peer.mgr.ListenPort())
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed waiting for %v", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func waitPairEvent(t *testing.T, ch <-chan pairing.Event, kind pairing.EventKind) pairing.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for pairing event %v", kind)
		}
	}
}

func waitPacket(t *testing.T, ch <-chan Event, pktType string) protocol.Packet {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed waiting for %s", pktType)
			if ev.Kind == PacketReceived && ev.Packet.Type == pktType {
				return ev.Packet
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s packet", pktType)
		}
	}
}

func TestConnectPairAndPing(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)

	ctx := context.Background()
	require.NoError(t, b.mgr.Connect(ctx, a.id))
	waitEvent(t, b.mgr.Events(), Connected)
	waitEvent(t, a.mgr.Events(), Connected)

	sess, ok := b.mgr.SessionFor(a.id)
	require.True(t, ok)
	require.NotEmpty(t, sess.PeerCertificate())

	// Untrusted peers may not reach plugins: no echo comes back.
	require.NoError(t, b.mgr.SendPacket(ctx, a.id, protocol.NewPingPacket()))
	waitPacket(t, a.mgr.Events(), protocol.TypePing)
	select {
	case ev := <-b.mgr.Events():
		assert.NotEqual(t, PacketReceived, ev.Kind, "unexpected packet %s before pairing", ev.Packet.Type)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, b.pairs.Request(a.id, sess.PeerCertificate()))
	waitPairEvent(t, a.pairEvents, pairing.PairingRequested)
	require.NoError(t, a.pairs.Accept(b.id))
	a.mgr.ActivateTrusted(b.id)
	waitPairEvent(t, a.pairEvents, pairing.PairingCompleted)
	waitPairEvent(t, b.pairEvents, pairing.PairingCompleted)

	devA, err := b.devices.Get(a.id)
	require.NoError(t, err)
	assert.True(t, devA.Trusted)
	devB, err := a.devices.Get(b.id)
	require.NoError(t, err)
	assert.True(t, devB.Trusted)
	assert.Equal(t, device.StateConnected, devB.ConnectionState)

	// Trusted now: the ping plugin answers with an echo.
	require.NoError(t, b.mgr.SendPacket(ctx, a.id, protocol.NewPingPacket()))
	echo := waitPacket(t, b.mgr.Events(), protocol.TypePing)
	var body struct {
		Echo bool `json:"echo"`
	}
	require.NoError(t, echo.UnmarshalBody(&body))
	assert.True(t, body.Echo)
}

func TestConnectUnknownDevice(t *testing.T) {
	a := newTestNode(t, "device-a")
	err := a.mgr.Connect(context.Background(), "never-seen")
	require.ErrorIs(t, err, protoerr.ErrNotFound)
}

func TestConnectIdempotentWhileLive(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)

	ctx := context.Background()
	require.NoError(t, b.mgr.Connect(ctx, a.id))
	waitEvent(t, a.mgr.Events(), Connected)
	require.NoError(t, b.mgr.Connect(ctx, a.id))

	// The second call reuses the live session, no new one appears.
	select {
	case ev := <-a.mgr.Events():
		assert.NotEqual(t, Connected, ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOverlappingConnectsCollapse(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)

	ctx := context.Background()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- b.mgr.Connect(ctx, a.id) }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	waitEvent(t, a.mgr.Events(), Connected)
	select {
	case ev := <-a.mgr.Events():
		assert.NotEqual(t, Connected, ev.Kind, "second session appeared")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)

	ctx := context.Background()
	require.NoError(t, b.mgr.Connect(ctx, a.id))
	waitEvent(t, a.mgr.Events(), Connected)

	// A raw second connection from the same device replaces the session.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", a.mgr.ListenPort()))
	require.NoError(t, err)
	defer conn.Close()
	pkt, err := protocol.NewIdentityPacket(protocol.Identity{
		DeviceID:        b.id,
		DeviceName:      b.id,
		DeviceType:      "desktop",
		ProtocolVersion: protocol.ProtocolVersionDefault,
	})
	require.NoError(t, err)
	line, err := protocol.Marshal(pkt)
	require.NoError(t, err)
	_, err = conn.Write(line)
	require.NoError(t, err)
	tlsConn, err := security.Upgrade(ctx, conn, b.cert,
		security.PeerVerifier{ExpectedID: a.id}, security.IsClient(b.id, a.id))
	require.NoError(t, err)
	defer tlsConn.Close()

	ev := waitEvent(t, a.mgr.Events(), Disconnected)
	assert.Equal(t, ReasonSuperseded, ev.Reason)
	waitEvent(t, a.mgr.Events(), Connected)
}

func TestDisconnectClosesSession(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)

	ctx := context.Background()
	require.NoError(t, b.mgr.Connect(ctx, a.id))
	waitEvent(t, b.mgr.Events(), Connected)

	require.NoError(t, b.mgr.Disconnect(a.id))
	ev := waitEvent(t, b.mgr.Events(), Disconnected)
	assert.Equal(t, ReasonClosed, ev.Reason)
	_, ok := b.mgr.SessionFor(a.id)
	assert.False(t, ok)

	require.ErrorIs(t, b.mgr.Disconnect(a.id), protoerr.ErrNotFound)
}

func TestStopUnblocksSilentInbound(t *testing.T) {
	n := newTestNode(t, "device-a")

	// A peer that connects and never speaks must not pin the acceptor.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", n.mgr.ListenPort()))
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		n.mgr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung on a silent inbound connection")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	n := newTestNode(t, "device-a")
	n.mgr.Stop()
	assert.NotPanics(t, n.mgr.Stop)
}

func TestSupersededSessionKeepsDeviceConnected(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)
	a.observe(b)
	require.NoError(t, a.devices.SetTrusted(b.id,
		b.cert.Certificate[0], security.Fingerprint(b.cert.Certificate[0])))

	ctx := context.Background()
	require.NoError(t, b.mgr.Connect(ctx, a.id))
	waitEvent(t, a.mgr.Events(), Connected)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", a.mgr.ListenPort()))
	require.NoError(t, err)
	defer conn.Close()
	pkt, err := protocol.NewIdentityPacket(protocol.Identity{
		DeviceID:        b.id,
		DeviceName:      b.id,
		DeviceType:      "desktop",
		ProtocolVersion: protocol.ProtocolVersionDefault,
	})
	require.NoError(t, err)
	line, err := protocol.Marshal(pkt)
	require.NoError(t, err)
	_, err = conn.Write(line)
	require.NoError(t, err)
	tlsConn, err := security.Upgrade(ctx, conn, b.cert,
		security.PeerVerifier{ExpectedID: a.id}, security.IsClient(b.id, a.id))
	require.NoError(t, err)
	defer tlsConn.Close()

	sawSuperseded, sawConnected := false, false
	deadline := time.After(5 * time.Second)
	for !(sawSuperseded && sawConnected) {
		select {
		case ev := <-a.mgr.Events():
			switch {
			case ev.Kind == Disconnected && ev.Reason == ReasonSuperseded:
				sawSuperseded = true
			case ev.Kind == Connected:
				sawConnected = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for supersede")
		}
	}

	// The old session's teardown must not mask the replacement.
	_, ok := a.mgr.SessionFor(b.id)
	assert.True(t, ok)
	dev, err := a.devices.Get(b.id)
	require.NoError(t, err)
	assert.Equal(t, device.StateConnected, dev.ConnectionState)
}

func TestActivateTrustedWhilePacketsArrive(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.observe(a)
	a.observe(b)

	ctx := context.Background()
	require.NoError(t, b.mgr.Connect(ctx, a.id))
	waitEvent(t, a.mgr.Events(), Connected)
	waitEvent(t, b.mgr.Events(), Connected)

	// Pings stream in while the acceptor flips the peer to trusted from
	// several goroutines at once.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			b.mgr.SendPacket(ctx, a.id, protocol.NewPingPacket())
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, a.devices.SetTrusted(b.id,
		b.cert.Certificate[0], security.Fingerprint(b.cert.Certificate[0])))
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.mgr.ActivateTrusted(b.id)
		}()
	}

	// Once plugins arm, the ping plugin echoes back to the sender.
	waitPacket(t, b.mgr.Events(), protocol.TypePing)
	close(stop)
	wg.Wait()

	dev, err := a.devices.Get(b.id)
	require.NoError(t, err)
	assert.Equal(t, device.StateConnected, dev.ConnectionState)
}

func TestSendBackpressure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// No writer loop draining the queue.
	s := newSession("peer", client, transport.Capabilities{Reliable: true, Ordered: true}, nil, protocol.NewIDGenerator(),
		Config{QueueSize: 1, SendTimeout: 50 * time.Millisecond}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, s.Send(ctx, protocol.NewPingPacket()))
	err := s.Send(ctx, protocol.NewPingPacket())
	require.ErrorIs(t, err, protoerr.ErrBackpressure)

	s.close(ReasonClosed)
	err = s.Send(ctx, protocol.NewPingPacket())
	require.ErrorIs(t, err, protoerr.ErrInvalidState)
}

func TestKeepaliveTimeoutClosesSession(t *testing.T) {
	if testing.Short() {
		t.Skip("keepalive ticks on a one second clock")
	}
	client, server := net.Pipe()
	defer server.Close()

	s := newSession("peer", client, transport.Capabilities{Reliable: true, Ordered: true}, nil, protocol.NewIDGenerator(),
		Config{IdleTimeout: 50 * time.Millisecond, PongTimeout: 100 * time.Millisecond}, zap.NewNop())

	// The peer swallows pings and never answers.
	go io.Copy(io.Discard, server)
	done := make(chan struct{})
	go func() {
		s.run(func(*Session, protocol.Packet) {})
		close(done)
	}()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never timed out")
	}
	assert.Equal(t, ReasonKeepaliveTimeout, s.CloseReason())
	<-done
}
