package session

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
)

// Manager tracks the active session of every recording camera.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[int64]*Session),
	}
}

// Add registers s. It returns false if the camera already has an active
// session.
func (m *Manager) Add(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := s.CameraID()
	if _, ok := m.sessions[id]; ok {
		m.log.Warn("session already active, rejecting duplicate", "camera", id)
		return false
	}
	m.sessions[id] = s
	m.log.Debug("session registered", "camera", id)
	return true
}

// Remove unregisters s. A newer session for the same camera is left alone.
func (m *Manager) Remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := s.CameraID()
	if cur, ok := m.sessions[id]; ok && cur == s {
		delete(m.sessions, id)
		m.log.Debug("session removed", "camera", id)
	}
}

// Get returns the active session for a camera.
func (m *Manager) Get(cameraID int64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[cameraID]
	return s, ok
}

// List returns all active sessions ordered by camera id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Compare(a.CameraID(), b.CameraID())
	})
	return out
}
