package discovery

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Discoverer is one discovery mechanism. Run blocks until the context
// ends and reports observations on the shared event channel.
type Discoverer interface {
	Run(ctx context.Context) error
}

// Manager runs a set of discoverers and fans their observations into one
// event stream. A failing discoverer surfaces as a DiscoveryError and
// does not stop the others.
type Manager struct {
	discoverers []Discoverer
	events      chan Event
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager builds a manager over the given discoverers.
func NewManager(discoverers []Discoverer, events chan Event, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		discoverers: discoverers,
		events:      events,
		logger:      logger.With(zap.String("component", "discovery")),
	}
}

// Events returns the merged observation stream.
func (m *Manager) Events() <-chan Event { return m.events }

// Start launches every discoverer.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, d := range m.discoverers {
		d := d
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("discoverer stopped", zap.Error(err))
				select {
				case m.events <- Event{Kind: DiscoveryError, Err: err}:
				default:
				}
			}
		}()
	}
}

// Stop terminates all discoverers and closes the event stream.
func (m *Manager) Stop() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.events)
	})
}
