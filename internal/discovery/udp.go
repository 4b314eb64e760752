package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	"github.com/lanlink/lanlinkd/internal/protocol"
)

const (
	// lostAfter is how long a device may stay silent before DeviceLost.
	lostAfter = 90 * time.Second
	// coalesceWindow collapses repeated identity packets from one device.
	coalesceWindow = time.Second
	// reapInterval is how often silent devices are swept.
	reapInterval = 15 * time.Second

	ipv6Group = "ff02::1"
)

// UDPConfig configures the UDP beacon and listener.
type UDPConfig struct {
	Port     uint16
	Interval time.Duration
	Identity func() protocol.Identity // local identity snapshot per beacon
}

// UDPDiscoverer broadcasts identity packets and listens for peers on the
// same port.
type UDPDiscoverer struct {
	cfg    UDPConfig
	logger *zap.Logger
	events chan<- Event

	mu       sync.Mutex
	lastSeen map[string]time.Time
	lastEmit map[string]time.Time
}

// NewUDPDiscoverer builds the discoverer; Run does the work.
func NewUDPDiscoverer(cfg UDPConfig, events chan<- Event, logger *zap.Logger) *UDPDiscoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &UDPDiscoverer{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "discovery_udp")),
		events:   events,
		lastSeen: make(map[string]time.Time),
		lastEmit: make(map[string]time.Time),
	}
}

// Run starts the beacon, listener and reaper and blocks until ctx ends.
func (d *UDPDiscoverer) Run(ctx context.Context) error {
	listenConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(d.cfg.Port)})
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", d.cfg.Port, err)
	}
	defer listenConn.Close()

	v6conn := d.listenIPv6(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.beaconLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.listenLoop(ctx, listenConn)
	}()
	go func() {
		defer wg.Done()
		d.reapLoop(ctx)
	}()

	<-ctx.Done()
	listenConn.Close()
	if v6conn != nil {
		v6conn.Close()
	}
	wg.Wait()
	return ctx.Err()
}

// listenIPv6 joins the link-local all-nodes group on every multicast
// capable interface. IPv6 is best effort; failures are logged only.
func (d *UDPDiscoverer) listenIPv6(ctx context.Context) net.PacketConn {
	conn, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", d.cfg.Port))
	if err != nil {
		d.logger.Debug("ipv6 discovery unavailable", zap.Error(err))
		return nil
	}
	pc := ipv6.NewPacketConn(conn)
	group := net.ParseIP(ipv6Group)
	ifaces, _ := net.Interfaces()
	joined := 0
	for i := range ifaces {
		ifc := ifaces[i]
		if ifc.Flags&net.FlagMulticast == 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(&ifc, &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil
	}
	go d.listenLoopPacket(ctx, conn)
	return conn
}

func (d *UDPDiscoverer) beaconLoop(ctx context.Context) {
	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: int(d.cfg.Port)}
	v6addr := &net.UDPAddr{IP: net.ParseIP(ipv6Group), Port: int(d.cfg.Port)}

	send := func() {
		ident := d.cfg.Identity()
		pkt, err := protocol.NewIdentityPacket(ident)
		if err != nil {
			d.logger.Error("build identity packet", zap.Error(err))
			return
		}
		pkt.ID = time.Now().UnixMilli()
		data, err := protocol.Marshal(pkt)
		if err != nil {
			d.logger.Error("marshal identity packet", zap.Error(err))
			return
		}

		conn, err := net.DialUDP("udp4", nil, bcast)
		if err == nil {
			conn.Write(data)
			conn.Close()
		} else {
			d.emitError(fmt.Errorf("udp broadcast: %w", err))
		}
		if v6, err := net.DialUDP("udp6", nil, v6addr); err == nil {
			v6.Write(data)
			v6.Close()
		}
	}

	send()
	for {
		timer := time.NewTimer(jitter(d.cfg.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			send()
		}
	}
}

func (d *UDPDiscoverer) listenLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.emitError(fmt.Errorf("udp read: %w", err))
			return
		}
		d.handleDatagram(ctx, buf[:n], addr.IP.String())
	}
}

func (d *UDPDiscoverer) listenLoopPacket(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		host := addr.String()
		if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
			host = h
		}
		d.handleDatagram(ctx, buf[:n], host)
		if ctx.Err() != nil {
			return
		}
	}
}

// handleDatagram parses an identity broadcast and emits DeviceFound,
// coalescing packets from the same device within coalesceWindow.
// The send honors ctx so a stopped consumer cannot wedge the listener.
func (d *UDPDiscoverer) handleDatagram(ctx context.Context, data []byte, source string) {
	pkt, err := protocol.Parse(data)
	if err != nil {
		d.logger.Debug("ignoring malformed datagram", zap.String("source", source), zap.Error(err))
		return
	}
	ident, err := protocol.ParseIdentity(pkt)
	if err != nil {
		d.logger.Debug("ignoring non-identity datagram", zap.String("source", source), zap.Error(err))
		return
	}
	local := d.cfg.Identity()
	if ident.DeviceID == local.DeviceID {
		return
	}

	now := time.Now()
	d.mu.Lock()
	d.lastSeen[ident.DeviceID] = now
	if last, ok := d.lastEmit[ident.DeviceID]; ok && now.Sub(last) < coalesceWindow {
		d.mu.Unlock()
		return
	}
	d.lastEmit[ident.DeviceID] = now
	d.mu.Unlock()

	select {
	case d.events <- Event{Kind: DeviceFound, Identity: ident, Source: source}:
	case <-ctx.Done():
	}
}

func (d *UDPDiscoverer) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var lost []string
			d.mu.Lock()
			for id, seen := range d.lastSeen {
				if now.Sub(seen) > lostAfter {
					lost = append(lost, id)
					delete(d.lastSeen, id)
					delete(d.lastEmit, id)
				}
			}
			d.mu.Unlock()
			for _, id := range lost {
				select {
				case d.events <- Event{Kind: DeviceLost, DeviceID: id}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (d *UDPDiscoverer) emitError(err error) {
	select {
	case d.events <- Event{Kind: DiscoveryError, Err: err}:
	default:
		d.logger.Warn("discovery event dropped", zap.Error(err))
	}
}

// jitter spreads the beacon interval by ±20% so co-located daemons do
// not synchronize.
func jitter(interval time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(interval) * f)
}
