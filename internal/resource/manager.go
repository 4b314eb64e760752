// Package resource gates payload transfers against a memory budget and a
// concurrency limit. Admission never blocks and never performs I/O;
// rejected transfers fail immediately with ResourceExhausted.
package resource

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

const (
	// DefaultBytesBudget bounds total in-flight transfer bytes (256 MiB).
	DefaultBytesBudget = 256 << 20
	// DefaultMaxConcurrent bounds simultaneous transfers.
	DefaultMaxConcurrent = 8
)

// MemoryStats is a snapshot of transfer resource usage.
type MemoryStats struct {
	ActiveTransfers int
	BytesInFlight   int64
	BytesBudget     int64
}

// Manager tracks active transfers against the configured budget.
type Manager struct {
	slots    *semaphore.Weighted
	budget   int64
	maxSlots int64

	mu            sync.Mutex
	bytesInFlight int64
	active        int
}

// NewManager builds a manager; zero or negative limits select defaults.
func NewManager(bytesBudget int64, maxConcurrent int64) *Manager {
	if bytesBudget <= 0 {
		bytesBudget = DefaultBytesBudget
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{
		slots:    semaphore.NewWeighted(maxConcurrent),
		budget:   bytesBudget,
		maxSlots: maxConcurrent,
	}
}

// Admit reserves capacity for a transfer of size bytes. On success it
// returns a release function; the release is idempotent.
func (m *Manager) Admit(size int64) (func(), error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative transfer size", protoerr.ErrInvalidState)
	}
	if !m.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d transfers already active", protoerr.ErrResourceExhausted, m.maxSlots)
	}

	m.mu.Lock()
	if m.bytesInFlight+size > m.budget {
		inFlight := m.bytesInFlight
		m.mu.Unlock()
		m.slots.Release(1)
		return nil, fmt.Errorf("%w: %d bytes in flight, %d requested, budget %d",
			protoerr.ErrResourceExhausted, inFlight, size, m.budget)
	}
	m.bytesInFlight += size
	m.active++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.bytesInFlight -= size
			m.active--
			m.mu.Unlock()
			m.slots.Release(1)
		})
	}, nil
}

// Stats returns a usage snapshot.
func (m *Manager) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		ActiveTransfers: m.active,
		BytesInFlight:   m.bytesInFlight,
		BytesBudget:     m.budget,
	}
}
