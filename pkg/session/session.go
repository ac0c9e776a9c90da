// Package session manages conversation session lifecycle on top of
// internal/store's session table: opening a session, refreshing its
// activity window on every turn, and closing it either explicitly or after
// an inactivity timeout elapses.
package session

import (
	"sync"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
)

// Store is the subset of store.Storer the session manager depends on.
type Store interface {
	OpenSession(sessionID string, at float64) (*store.Session, error)
	RefreshSession(sessionID string, at float64) (*store.Session, error)
	CloseSession(sessionID string, at float64) error
	GetSession(sessionID string) (*store.Session, error)
	ListOpenSessions() ([]*store.Session, error)
}

// Manager wraps Store with an inactivity timeout policy.
type Manager struct {
	store Store

	mu             sync.RWMutex
	inactivitySecs float64
}

// DefaultInactivityTimeout closes a session after 30 minutes with no
// activity, the same order of magnitude as a typical browser session
// cookie's idle expiry.
const DefaultInactivityTimeout = 30 * 60

func New(s Store, inactivityTimeoutSecs float64) *Manager {
	if inactivityTimeoutSecs <= 0 {
		inactivityTimeoutSecs = DefaultInactivityTimeout
	}
	return &Manager{store: s, inactivitySecs: inactivityTimeoutSecs}
}

// Touch opens sessionID if it does not exist yet, or refreshes its last
// activity time if it does and has not timed out; a timed-out session is
// closed and reopened fresh under the same ID.
func (m *Manager) Touch(sessionID string, at float64) (*store.Session, error) {
	existing, err := m.store.GetSession(sessionID)
	if err != nil {
		if !errs.Of(err, errs.NotFound) {
			return nil, err
		}
		return m.store.OpenSession(sessionID, at)
	}

	if existing.ClosedAt != nil || m.isExpired(existing, at) {
		if existing.ClosedAt == nil {
			if err := m.store.CloseSession(sessionID, at); err != nil {
				return nil, err
			}
		}
		return m.store.OpenSession(sessionID, at)
	}

	return m.store.RefreshSession(sessionID, at)
}

// Close explicitly ends a session ahead of its inactivity timeout.
func (m *Manager) Close(sessionID string, at float64) error {
	return m.store.CloseSession(sessionID, at)
}

// CloseExpired sweeps every open session and closes those whose inactivity
// window has elapsed, returning how many were closed. Touch already closes
// an expired session lazily on its next use; this sweep catches sessions
// that simply never come back.
func (m *Manager) CloseExpired(now float64) (int, error) {
	open, err := m.store.ListOpenSessions()
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, s := range open {
		if !m.isExpired(s, now) {
			continue
		}
		if err := m.store.CloseSession(s.SessionID, now); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// IsExpired reports whether a session has gone silent past the configured
// inactivity timeout, relative to the given current time.
func (m *Manager) IsExpired(s *store.Session, now float64) bool {
	return m.isExpired(s, now)
}

// SetInactivityTimeout swaps the timeout applied by the next Touch, e.g. in
// response to an engine-level configuration update.
func (m *Manager) SetInactivityTimeout(secs float64) {
	if secs <= 0 {
		secs = DefaultInactivityTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactivitySecs = secs
}

func (m *Manager) isExpired(s *store.Session, now float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return now-s.LastActivityAt >= m.inactivitySecs
}
