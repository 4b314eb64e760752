// Package recovery brings trusted devices back after link failures:
// exponential-backoff reconnection and resumable transfer bookkeeping.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/device"
)

// Connector is the slice of the connection manager the coordinator
// drives.
type Connector interface {
	Connect(ctx context.Context, deviceID string) error
}

// Config tunes the reconnection policy. Zero fields take the defaults.
type Config struct {
	InitialInterval     time.Duration // first retry delay, 1s
	MaxInterval         time.Duration // delay ceiling, 60s
	Multiplier          float64       // delay growth factor, 2.0
	RandomizationFactor float64       // jitter, 0.2
	MaxFailures         int           // give up after this many, 10
	StableAfter         time.Duration // connection age that resets backoff, 10m
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = 0
	} else if c.RandomizationFactor == 0 {
		c.RandomizationFactor = 0.2
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Minute
	}
	return c
}

func (c Config) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.Multiplier = c.Multiplier
	bo.RandomizationFactor = c.RandomizationFactor
	bo.MaxElapsedTime = 0 // attempts are capped, not wall time
	bo.Reset()
	return bo
}

type peerState struct {
	bo          *backoff.ExponentialBackOff
	failures    int
	gaveUp      bool
	timer       *time.Timer
	connectedAt time.Time
}

// Coordinator reconnects trusted devices after involuntary disconnects.
// The daemon feeds it connection and discovery observations; it owns the
// retry timers.
type Coordinator struct {
	cfg       Config
	connector Connector
	devices   *device.Manager
	logger    *zap.Logger

	mu     sync.Mutex
	peers  map[string]*peerState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator builds an idle coordinator; call Start before feeding
// it observations.
func NewCoordinator(cfg Config, connector Connector, devices *device.Manager, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		connector: connector,
		devices:   devices,
		logger:    logger.With(zap.String("component", "recovery")),
		peers:     make(map[string]*peerState),
	}
}

// Start arms the coordinator against the given lifetime context.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
}

// Stop cancels all pending retries.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for _, p := range c.peers {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// OnConnected records a successful session so a long-lived connection
// resets the backoff history.
func (c *Coordinator) OnConnected(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peer(deviceID)
	p.connectedAt = time.Now()
	p.gaveUp = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// OnDisconnected schedules a reconnect for trusted devices. Voluntary
// closes (the user asked) clear the retry state instead.
func (c *Coordinator) OnDisconnected(deviceID, reason string, voluntary bool) {
	if voluntary {
		c.mu.Lock()
		if p, ok := c.peers[deviceID]; ok && p.timer != nil {
			p.timer.Stop()
		}
		delete(c.peers, deviceID)
		c.mu.Unlock()
		return
	}
	dev, err := c.devices.Get(deviceID)
	if err != nil || !dev.Trusted {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peer(deviceID)
	if !p.connectedAt.IsZero() && time.Since(p.connectedAt) >= c.cfg.StableAfter {
		p.bo.Reset()
		p.failures = 0
	}
	p.connectedAt = time.Time{}
	c.logger.Info("scheduling reconnect",
		zap.String("device_id", deviceID),
		zap.String("reason", reason))
	c.scheduleLocked(deviceID, p)
}

// OnDiscovered re-arms a device the coordinator had given up on; seeing
// it announce again is the signal it is worth retrying.
func (c *Coordinator) OnDiscovered(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[deviceID]
	if !ok || !p.gaveUp {
		return
	}
	p.gaveUp = false
	p.failures = 0
	p.bo.Reset()
	c.logger.Info("device rediscovered, resuming reconnects", zap.String("device_id", deviceID))
	c.scheduleLocked(deviceID, p)
}

func (c *Coordinator) peer(deviceID string) *peerState {
	p, ok := c.peers[deviceID]
	if !ok {
		p = &peerState{bo: c.cfg.newBackoff()}
		c.peers[deviceID] = p
	}
	return p
}

func (c *Coordinator) scheduleLocked(deviceID string, p *peerState) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delay := p.bo.NextBackOff()
	p.timer = time.AfterFunc(delay, func() {
		c.attempt(deviceID)
	})
}

func (c *Coordinator) attempt(deviceID string) {
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	defer c.wg.Done()

	err := c.connector.Connect(c.ctx, deviceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[deviceID]
	if !ok {
		return
	}
	if err == nil {
		p.failures = 0
		return
	}
	p.failures++
	if p.failures >= c.cfg.MaxFailures {
		p.gaveUp = true
		p.timer = nil
		c.logger.Warn("giving up on device until rediscovered",
			zap.String("device_id", deviceID),
			zap.Int("failures", p.failures))
		return
	}
	c.logger.Debug("reconnect failed",
		zap.String("device_id", deviceID),
		zap.Int("failures", p.failures),
		zap.Error(err))
	c.scheduleLocked(deviceID, p)
}
