package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/protocol"
)

const (
	mdnsService = "_kdeconnect._udp"
	mdnsDomain  = "local."

	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 5 * time.Second
)

// MDNSDiscoverer announces the local device over mDNS and browses for
// peers. It complements the UDP broadcast beacon on networks that filter
// broadcast traffic.
type MDNSDiscoverer struct {
	identity func() protocol.Identity
	events   chan<- Event
	logger   *zap.Logger
}

// NewMDNSDiscoverer builds the discoverer; Run does the work.
func NewMDNSDiscoverer(identity func() protocol.Identity, events chan<- Event, logger *zap.Logger) *MDNSDiscoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSDiscoverer{
		identity: identity,
		events:   events,
		logger:   logger.With(zap.String("component", "discovery_mdns")),
	}
}

// Run registers the mDNS service and browses periodically until ctx ends.
func (d *MDNSDiscoverer) Run(ctx context.Context) error {
	ident := d.identity()
	txt := []string{
		"id=" + ident.DeviceID,
		"name=" + ident.DeviceName,
		"type=" + ident.DeviceType,
		"protocol=" + strconv.Itoa(ident.ProtocolVersion),
	}
	server, err := zeroconf.Register(ident.DeviceID, mdnsService, mdnsDomain, int(ident.TCPPort), txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()

	d.browse(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.browse(ctx)
		}
	}
}

func (d *MDNSDiscoverer) browse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		d.logger.Warn("mdns resolver", zap.Error(err))
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	browseCtx, cancel := context.WithTimeout(ctx, mdnsBrowseTimeout)
	defer cancel()

	go func() {
		if err := resolver.Browse(browseCtx, mdnsService, mdnsDomain, entries); err != nil {
			d.logger.Warn("mdns browse", zap.Error(err))
			cancel()
		}
	}()

	local := d.identity()
	for entry := range entries {
		ident, ok := identityFromEntry(entry)
		if !ok || ident.DeviceID == local.DeviceID {
			continue
		}
		source := ""
		if len(entry.AddrIPv4) > 0 {
			source = entry.AddrIPv4[0].String()
		} else if len(entry.AddrIPv6) > 0 {
			source = entry.AddrIPv6[0].String()
		}
		select {
		case d.events <- Event{Kind: DeviceFound, Identity: ident, Source: source}:
		case <-ctx.Done():
			return
		}
	}
}

// identityFromEntry reconstructs a minimal identity from mDNS TXT records.
func identityFromEntry(entry *zeroconf.ServiceEntry) (protocol.Identity, bool) {
	ident := protocol.Identity{
		TCPPort:              uint16(entry.Port),
		ProtocolVersion:      protocol.ProtocolVersionMin,
		IncomingCapabilities: []string{},
		OutgoingCapabilities: []string{},
	}
	for _, rec := range entry.Text {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			ident.DeviceID = value
		case "name":
			ident.DeviceName = value
		case "type":
			ident.DeviceType = value
		case "protocol":
			if v, err := strconv.Atoi(value); err == nil {
				ident.ProtocolVersion = v
			}
		}
	}
	if ident.DeviceID == "" {
		return protocol.Identity{}, false
	}
	if ident.DeviceName == "" {
		ident.DeviceName = entry.Instance
	}
	return ident, true
}
