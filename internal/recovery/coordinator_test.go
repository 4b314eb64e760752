package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/device"
)

type fakeConnector struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed in order, last one repeats
}

func (f *fakeConnector) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func trustedDevice(t *testing.T, devices *device.Manager, id string) {
	t.Helper()
	devices.Observe(device.Info{ID: id, Name: id, Type: device.TypePhone, ProtocolVersion: 8}, "10.0.0.9", 1716)
	require.NoError(t, devices.SetPairStatus(id, device.PairPaired))
	require.NoError(t, devices.SetTrusted(id, []byte{0x01}, "AA"))
}

func fastConfig(maxFailures int) Config {
	return Config{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxFailures:         maxFailures,
		StableAfter:         time.Hour,
	}
}

func TestBackoffSequence(t *testing.T) {
	cfg := Config{}.withDefaults()
	bo := cfg.newBackoff()

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, want := range expected {
		got := bo.NextBackOff()
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		assert.GreaterOrEqual(t, got, lo, "attempt %d below jitter floor", i+1)
		assert.LessOrEqual(t, got, hi, "attempt %d above jitter ceiling", i+1)
	}
}

func TestReconnectsUntilSuccess(t *testing.T) {
	devices := device.NewManager(nil)
	trustedDevice(t, devices, "phone")
	conn := &fakeConnector{errs: []error{errors.New("down"), errors.New("down"), nil}}

	c := NewCoordinator(fastConfig(10), conn, devices, nil)
	c.Start(context.Background())
	defer c.Stop()

	c.OnDisconnected("phone", "read_error", false)
	require.Eventually(t, func() bool { return conn.count() >= 3 }, time.Second, time.Millisecond)
	// The successful attempt ends the retry loop.
	calls := conn.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, conn.count())
}

func TestGivesUpAfterMaxFailures(t *testing.T) {
	devices := device.NewManager(nil)
	trustedDevice(t, devices, "phone")
	conn := &fakeConnector{errs: []error{errors.New("down")}}

	c := NewCoordinator(fastConfig(3), conn, devices, nil)
	c.Start(context.Background())
	defer c.Stop()

	c.OnDisconnected("phone", "read_error", false)
	require.Eventually(t, func() bool { return conn.count() == 3 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, conn.count(), "kept retrying after giving up")

	// Rediscovery re-arms the device.
	c.OnDiscovered("phone")
	require.Eventually(t, func() bool { return conn.count() > 3 }, time.Second, time.Millisecond)
}

func TestVoluntaryDisconnectDoesNotRetry(t *testing.T) {
	devices := device.NewManager(nil)
	trustedDevice(t, devices, "phone")
	conn := &fakeConnector{}

	c := NewCoordinator(fastConfig(10), conn, devices, nil)
	c.Start(context.Background())
	defer c.Stop()

	c.OnDisconnected("phone", "closed", true)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.count())
}

func TestUntrustedDeviceNotRetried(t *testing.T) {
	devices := device.NewManager(nil)
	devices.Observe(device.Info{ID: "stranger", ProtocolVersion: 8}, "10.0.0.9", 1716)
	conn := &fakeConnector{}

	c := NewCoordinator(fastConfig(10), conn, devices, nil)
	c.Start(context.Background())
	defer c.Stop()

	c.OnDisconnected("stranger", "read_error", false)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.count())
}

func TestStableConnectionResetsBackoff(t *testing.T) {
	devices := device.NewManager(nil)
	trustedDevice(t, devices, "phone")
	conn := &fakeConnector{errs: []error{errors.New("down")}}

	cfg := fastConfig(10)
	cfg.StableAfter = time.Millisecond
	c := NewCoordinator(cfg, conn, devices, nil)
	c.Start(context.Background())
	defer c.Stop()

	c.OnDisconnected("phone", "read_error", false)
	require.Eventually(t, func() bool { return conn.count() >= 2 }, time.Second, time.Millisecond)

	c.OnConnected("phone")
	time.Sleep(5 * time.Millisecond)

	// Slow the next retry down so the failure count can be read before
	// a new attempt races it.
	c.mu.Lock()
	c.cfg.InitialInterval = 200 * time.Millisecond
	c.peers["phone"].bo = c.cfg.newBackoff()
	c.mu.Unlock()
	c.OnDisconnected("phone", "read_error", false)

	c.mu.Lock()
	p := c.peers["phone"]
	failures := p.failures
	c.mu.Unlock()
	assert.Zero(t, failures, "stable connection should clear the failure count")
}
