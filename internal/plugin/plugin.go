// Package plugin routes inbound packets to application-level handlers.
// The registry maps packet types to plugin factories; each session gets
// its own plugin instances, created when the session starts and shut
// down when it ends.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// Capabilities describes the packet types a plugin consumes and emits.
type Capabilities struct {
	Incoming []string
	Outgoing []string
}

// Sender is the one-way handle a plugin uses to send packets back
// through its session. Plugins never hold the session itself.
type Sender interface {
	Send(ctx context.Context, p protocol.Packet) error
}

// Plugin is one application-level feature handler.
type Plugin interface {
	Name() string
	Capabilities() Capabilities
	// Init is called once per session before any packet is delivered.
	Init(dev device.Info, out Sender) error
	// HandlePacket is called for every inbound packet whose type is in
	// the plugin's incoming set. Errors are logged, never fatal.
	HandlePacket(p protocol.Packet) error
	// Shutdown is called when the session ends.
	Shutdown()
}

// Factory creates a fresh plugin instance for a session.
type Factory func() Plugin

// Registry holds the available plugin factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "plugin_registry")),
	}
}

// Register adds a plugin factory. Names must be unique.
func (r *Registry) Register(f Factory) error {
	name := f().Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: plugin %q already registered", protoerr.ErrInvalidState, name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// AllCapabilities merges the capability sets of every registered plugin,
// the sets advertised in the local identity packet.
func (r *Registry) AllCapabilities() Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var caps Capabilities
	seen := map[string]bool{}
	for _, f := range r.factories {
		pc := f().Capabilities()
		for _, t := range pc.Incoming {
			if !seen["in:"+t] {
				seen["in:"+t] = true
				caps.Incoming = append(caps.Incoming, t)
			}
		}
		for _, t := range pc.Outgoing {
			if !seen["out:"+t] {
				seen["out:"+t] = true
				caps.Outgoing = append(caps.Outgoing, t)
			}
		}
	}
	return caps
}

// Instantiate creates plugin instances for a session with the given
// peer. A plugin is instantiated when its interests intersect the
// device's capabilities; plugins with no declared incoming types are
// always created.
func (r *Registry) Instantiate(dev device.Info, out Sender) *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peerOutgoing := map[string]bool{}
	for _, t := range dev.OutgoingCapabilities {
		peerOutgoing[t] = true
	}

	set := &Set{
		byType: make(map[string][]Plugin),
		logger: r.logger,
	}
	for name, f := range r.factories {
		p := f()
		caps := p.Capabilities()
		if len(caps.Incoming) > 0 && len(dev.OutgoingCapabilities) > 0 {
			interested := false
			for _, t := range caps.Incoming {
				if peerOutgoing[t] {
					interested = true
					break
				}
			}
			if !interested {
				continue
			}
		}
		if err := p.Init(dev, out); err != nil {
			r.logger.Warn("plugin init failed",
				zap.String("plugin", name),
				zap.String("device_id", dev.ID),
				zap.Error(err))
			continue
		}
		set.plugins = append(set.plugins, p)
		for _, t := range caps.Incoming {
			set.byType[t] = append(set.byType[t], p)
		}
	}
	return set
}

// Set is the per-session collection of live plugin instances.
type Set struct {
	plugins []Plugin
	byType  map[string][]Plugin
	logger  *zap.Logger
}

// Dispatch fans a packet to every plugin whose incoming set contains its
// type. Handler errors are logged and absorbed; they never tear down
// the session.
func (s *Set) Dispatch(p protocol.Packet) {
	for _, pl := range s.byType[p.Type] {
		if err := pl.HandlePacket(p); err != nil {
			s.logger.Warn("plugin handler error",
				zap.String("plugin", pl.Name()),
				zap.String("packet_type", p.Type),
				zap.Error(err))
		}
	}
}

// Len returns the number of live plugin instances.
func (s *Set) Len() int { return len(s.plugins) }

// Shutdown stops every plugin instance.
func (s *Set) Shutdown() {
	for _, pl := range s.plugins {
		pl.Shutdown()
	}
	s.plugins = nil
	s.byType = map[string][]Plugin{}
}
