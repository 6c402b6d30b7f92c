// Package discovery implements the peer monitor and discovery sweep
// (§4.G): tracking currently connected sessions, maintaining the set
// of known peer advertisements, and periodically refreshing that set
// by walking discovery endpoints breadth-first.
package discovery

import (
	"sync"
	"time"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/listener"
	"github.com/vncache/vncache/internal/logger"
)

// ConnectedPeer is a snapshot entry describing one live session.
type ConnectedPeer struct {
	SessionID     string
	NodeID        string
	IsPeer        bool
	ConnectedAt   time.Time
	Advertisement *authn.Advertisement
}

// Monitor tracks every currently connected session and exposes a
// point-in-time snapshot. It implements listener.Registry.
type Monitor struct {
	mu       sync.RWMutex
	sessions map[string]ConnectedPeer
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{sessions: make(map[string]ConnectedPeer)}
}

// Register implements listener.Registry, called once a session's
// read loop starts.
func (m *Monitor) Register(s *listener.Session) {
	m.mu.Lock()
	m.sessions[s.ID] = ConnectedPeer{
		SessionID:     s.ID,
		NodeID:        s.NodeID,
		IsPeer:        s.IsPeer,
		ConnectedAt:   time.Now(),
		Advertisement: s.Advertisement(),
	}
	count := len(m.sessions)
	m.mu.Unlock()

	logger.Discovery().Debug().Str("session", s.ID).Int("connected", count).Msg("session registered")
}

// Unregister implements listener.Registry, called once a session's
// connection is fully torn down.
func (m *Monitor) Unregister(s *listener.Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	count := len(m.sessions)
	m.mu.Unlock()

	logger.Discovery().Debug().Str("session", s.ID).Int("connected", count).Msg("session unregistered")
}

// Snapshot copies the current connected-session set under lock into
// an array, per §5's "readers copy under lock" rule.
func (m *Monitor) Snapshot() []ConnectedPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnectedPeer, 0, len(m.sessions))
	for _, p := range m.sessions {
		out = append(out, p)
	}
	return out
}

// ConnectedAdvertisements returns the advertisements of every
// currently connected peer session that presented one, used to seed
// the discovery walk (§4.G.3 step 1).
func (m *Monitor) ConnectedAdvertisements() []authn.Advertisement {
	snapshot := m.Snapshot()
	out := make([]authn.Advertisement, 0, len(snapshot))
	for _, p := range snapshot {
		if p.IsPeer && p.Advertisement != nil {
			out = append(out, *p.Advertisement)
		}
	}
	return out
}
