package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/transport"
)

// bleCompanyID is the manufacturer-data company identifier reserved for
// testing; the payload carries the local device ID.
const bleCompanyID = 0xFFFF

// BLEDiscoverer advertises the KDE Connect service UUID with the local
// device ID in manufacturer data, and scans for peers doing the same.
// Peers found this way carry no TCP endpoint; sessions to them run over
// the Bluetooth transport.
type BLEDiscoverer struct {
	adapter  *bluetooth.Adapter
	identity func() protocol.Identity
	events   chan<- Event
	logger   *zap.Logger
}

// NewBLEDiscoverer builds the discoverer; Run does the work.
func NewBLEDiscoverer(adapter *bluetooth.Adapter, identity func() protocol.Identity, events chan<- Event, logger *zap.Logger) *BLEDiscoverer {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BLEDiscoverer{
		adapter:  adapter,
		identity: identity,
		events:   events,
		logger:   logger.With(zap.String("component", "discovery_ble")),
	}
}

// Run starts advertising and scanning until ctx ends.
func (d *BLEDiscoverer) Run(ctx context.Context) error {
	if err := d.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	ident := d.identity()
	adv := d.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    ident.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{transport.ServiceUUID()},
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: bleCompanyID, Data: []byte(ident.DeviceID)},
		},
	})
	if err != nil {
		return fmt.Errorf("configure ble advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start ble advertisement: %w", err)
	}
	defer adv.Stop()

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- d.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			d.handleScanResult(ctx, result)
		})
	}()

	select {
	case <-ctx.Done():
		d.adapter.StopScan()
		<-scanErr
		return ctx.Err()
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("ble scan: %w", err)
		}
		return nil
	}
}

func (d *BLEDiscoverer) handleScanResult(ctx context.Context, result bluetooth.ScanResult) {
	if !result.HasServiceUUID(transport.ServiceUUID()) {
		return
	}
	var deviceID string
	for _, md := range result.ManufacturerData() {
		if md.CompanyID == bleCompanyID && len(md.Data) > 0 {
			deviceID = string(md.Data)
			break
		}
	}
	if deviceID == "" || deviceID == d.identity().DeviceID {
		return
	}
	name := result.LocalName()
	if name == "" {
		name = deviceID
	}
	ev := Event{
		Kind: DeviceFound,
		Identity: protocol.Identity{
			DeviceID:             deviceID,
			DeviceName:           name,
			DeviceType:           "unknown",
			ProtocolVersion:      protocol.ProtocolVersionMin,
			IncomingCapabilities: []string{},
			OutgoingCapabilities: []string{},
		},
		Source: result.Address.String(),
	}
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}
