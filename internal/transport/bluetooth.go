package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// Bluetooth GATT identifiers of the KDE Connect BLE profile. The "read"
// characteristic carries peripheral-to-central traffic via notifications;
// the "write" characteristic carries central-to-peripheral traffic.
const (
	ServiceUUIDString   = "185f3df4-3268-4e3f-9fca-d4d5059915bd"
	ReadCharUUIDString  = "38756f49-7e00-4f2d-95d0-2c83d4dba7cf"
	WriteCharUUIDString = "d7d3a9d0-2cf4-4c0c-931e-6baefa65fdf3"

	// bleChunkSize keeps writes within the effective PDU size of common
	// BLE stacks.
	bleChunkSize = 512
)

// ServiceUUID returns the parsed KDE Connect BLE service UUID.
func ServiceUUID() bluetooth.UUID {
	u, err := bluetooth.ParseUUID(ServiceUUIDString)
	if err != nil {
		panic(err)
	}
	return u
}

func bleCapabilities() Capabilities {
	return Capabilities{
		Reliable: true,
		Ordered:  true,
		MTU:      bleChunkSize,
		Latency:  LatencyMedium,
		// Encryption happens at the link layer; no TLS upgrade.
		SupportsEncryptionUpgrade: false,
	}
}

// bleStream adapts notification callbacks and characteristic writes into
// the Transport byte-stream contract.
type bleStream struct {
	remote string
	write  func([]byte) error

	mu       sync.Mutex
	buf      []byte
	dataCond *sync.Cond
	closed   bool
	onClose  func()
}

func newBLEStream(remote string, write func([]byte) error, onClose func()) *bleStream {
	s := &bleStream{remote: remote, write: write, onClose: onClose}
	s.dataCond = sync.NewCond(&s.mu)
	return s
}

// push appends notified bytes to the read buffer.
func (s *bleStream) push(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, p...)
	s.dataCond.Broadcast()
}

func (s *bleStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.dataCond.Wait()
	}
	if len(s.buf) == 0 && s.closed {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *bleStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > bleChunkSize {
			chunk = chunk[:bleChunkSize]
		}
		if err := s.write(chunk); err != nil {
			return written, fmt.Errorf("ble write: %w", err)
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *bleStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.dataCond.Broadcast()
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (s *bleStream) RemoteAddr() string { return s.remote }

func (s *bleStream) Capabilities() Capabilities { return bleCapabilities() }

// BLEDialer connects to a peripheral advertising the KDE Connect service
// and bridges its GATT characteristics into a Transport.
type BLEDialer struct {
	Adapter *bluetooth.Adapter
}

// Dial implements Dialer. The address is a BLE MAC (or OS device handle)
// previously observed by discovery.
func (d BLEDialer) Dial(ctx context.Context, address string) (Transport, error) {
	adapter := d.Adapter
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enable adapter: %v", protoerr.ErrTransportUnavailable, err)
	}

	var target bluetooth.ScanResult
	found := make(chan struct{})
	var once sync.Once
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() != address {
			return
		}
		once.Do(func() {
			target = result
			a.StopScan()
			close(found)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", protoerr.ErrTransportUnavailable, err)
	}
	select {
	case <-found:
	case <-ctx.Done():
		adapter.StopScan()
		return nil, fmt.Errorf("%w: %v", protoerr.ErrTransportUnavailable, ctx.Err())
	}

	dev, err := adapter.Connect(target.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", protoerr.ErrTransportUnavailable, address, err)
	}

	svcUUID := ServiceUUID()
	readUUID, _ := bluetooth.ParseUUID(ReadCharUUIDString)
	writeUUID, _ := bluetooth.ParseUUID(WriteCharUUIDString)

	services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: service discovery on %s: %v", protoerr.ErrTransportUnavailable, address, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{readUUID, writeUUID})
	if err != nil || len(chars) < 2 {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: characteristic discovery on %s: %v", protoerr.ErrTransportUnavailable, address, err)
	}

	var readChar, writeChar bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case readUUID:
			readChar = c
		case writeUUID:
			writeChar = c
		}
	}

	stream := newBLEStream(address, func(p []byte) error {
		_, err := writeChar.WriteWithoutResponse(p)
		return err
	}, func() {
		dev.Disconnect()
	})

	if err := readChar.EnableNotifications(func(buf []byte) {
		stream.push(buf)
	}); err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: enable notifications: %v", protoerr.ErrTransportUnavailable, err)
	}
	return stream, nil
}

// Capabilities implements Dialer.
func (BLEDialer) Capabilities() Capabilities { return bleCapabilities() }
