// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch numbers collection cycles so that results computed off the
// tick thread can be recognised as stale before they are applied.
//
// Every cycle calls Begin, which advances the current epoch and marks the new
// epoch active until End. A result carrying an epoch that is no longer
// current was overtaken by a later cycle and must be dropped.
//
// # Usage Examples
//
//	m := epoch.NewManager()
//
//	e := m.Begin()
//	defer m.End(e)
//	result := compute()
//	if m.IsCurrent(e) {
//		apply(result)
//	}
//
// # Dangers and Warnings
//
//   - **Pairing**: Each Begin() call must have a corresponding End() call.
//   - **Staleness**: IsCurrent only reports whether a newer cycle began; it says
//     nothing about whether the world changed meanwhile.
package epoch

import (
	"sync"
	"sync/atomic"
)

// Manager hands out monotonically increasing cycle epochs and tracks the
// ones still in flight.
type Manager struct {
	current  atomic.Uint64
	activeTS map[uint64]int // epoch -> count of open holders
	mu       sync.RWMutex
}

// NewManager creates a new epoch manager.
func NewManager() *Manager {
	return &Manager{
		activeTS: make(map[uint64]int),
	}
}

// Begin advances to a new epoch and registers it as active.
func (m *Manager) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.current.Add(1)
	m.activeTS[e]++
	return e
}

// End releases an epoch returned by Begin.
func (m *Manager) End(e uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count, exists := m.activeTS[e]; exists {
		if count <= 1 {
			delete(m.activeTS, e)
		} else {
			m.activeTS[e] = count - 1
		}
	}
}

// Current returns the newest epoch, or 0 before the first Begin.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// IsCurrent reports whether no cycle began after e.
func (m *Manager) IsCurrent(e uint64) bool {
	return e != 0 && m.current.Load() == e
}

// MinActive returns the oldest epoch still in flight.
// If none is active, returns 0.
func (m *Manager) MinActive() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.activeTS) == 0 {
		return 0
	}

	min := ^uint64(0)
	for e := range m.activeTS {
		if e < min {
			min = e
		}
	}
	return min
}

// ActiveCount returns the number of epochs in flight.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeTS)
}
