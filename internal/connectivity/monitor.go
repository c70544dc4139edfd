// Package connectivity tracks whether the remote API is reachable and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"log/slog"
	"sync"
)

type listener struct {
	onOnline  func()
	onOffline func()
}

// Monitor is the single source of truth for online/offline state. Its state
// only changes through Set, which environment signal sources call.
type Monitor struct {
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]listener
}

// NewMonitor returns a Monitor starting in the given state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger,
		online: online,
		subs:   make(map[int]listener),
	}
}

// IsOnline returns the current snapshot.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers transition callbacks; either may be nil. The returned
// function removes both and is safe to call more than once.
func (m *Monitor) Subscribe(onOnline, onOffline func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = listener{onOnline: onOnline, onOffline: onOffline}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set records an environment signal. Callbacks run synchronously, outside
// the lock, and only when the state actually changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(), 0, len(m.subs))
	for _, l := range m.subs {
		fn := l.onOffline
		if online {
			fn = l.onOnline
		}
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity: online")
	} else {
		m.logger.Warn("connectivity: offline")
	}
	for _, fn := range fns {
		fn()
	}
}

// Subscribers returns the number of registered listeners.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
