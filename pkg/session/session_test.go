package session

import (
	"testing"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
)

type fakeStore struct {
	sessions map[string]*store.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*store.Session)}
}

func (f *fakeStore) OpenSession(sessionID string, at float64) (*store.Session, error) {
	s := &store.Session{SessionID: sessionID, OpenedAt: at, LastActivityAt: at}
	f.sessions[sessionID] = s
	return s, nil
}

func (f *fakeStore) RefreshSession(sessionID string, at float64) (*store.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.NotFound, "session "+sessionID, nil)
	}
	s.LastActivityAt = at
	return s, nil
}

func (f *fakeStore) CloseSession(sessionID string, at float64) error {
	s, ok := f.sessions[sessionID]
	if !ok {
		return errs.New(errs.NotFound, "session "+sessionID, nil)
	}
	s.ClosedAt = &at
	return nil
}

func (f *fakeStore) GetSession(sessionID string) (*store.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.NotFound, "session "+sessionID, nil)
	}
	return s, nil
}

func (f *fakeStore) ListOpenSessions() ([]*store.Session, error) {
	var out []*store.Session
	for _, s := range f.sessions {
		if s.ClosedAt == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestTouchOpensNewSession(t *testing.T) {
	s := newFakeStore()
	m := New(s, 1800)

	sess, err := m.Touch("sess1", 100)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if sess.SessionID != "sess1" || sess.OpenedAt != 100 {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestTouchRefreshesExistingActiveSession(t *testing.T) {
	s := newFakeStore()
	m := New(s, 1800)

	m.Touch("sess1", 100)
	sess, err := m.Touch("sess1", 150)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if sess.LastActivityAt != 150 {
		t.Errorf("expected last activity refreshed to 150, got %v", sess.LastActivityAt)
	}
	if sess.OpenedAt != 100 {
		t.Errorf("expected opened_at unchanged, got %v", sess.OpenedAt)
	}
}

func TestTouchReopensAfterInactivityTimeout(t *testing.T) {
	s := newFakeStore()
	m := New(s, 100)

	m.Touch("sess1", 0)
	sess, err := m.Touch("sess1", 500)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if sess.OpenedAt != 500 {
		t.Errorf("expected session reopened fresh at 500, got %+v", sess)
	}
}

func TestTouchReopensClosedSession(t *testing.T) {
	s := newFakeStore()
	m := New(s, 1800)

	m.Touch("sess1", 0)
	m.Close("sess1", 10)

	sess, err := m.Touch("sess1", 20)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if sess.ClosedAt != nil {
		t.Errorf("expected reopened session to have nil ClosedAt, got %v", sess.ClosedAt)
	}
}

func TestCloseExpiredSweepsOnlyTimedOutSessions(t *testing.T) {
	s := newFakeStore()
	m := New(s, 100)

	m.Touch("stale", 0)
	m.Touch("fresh", 450)

	closed, err := m.CloseExpired(500)
	if err != nil {
		t.Fatalf("CloseExpired failed: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected exactly the stale session closed, got %d", closed)
	}
	if s.sessions["stale"].ClosedAt == nil {
		t.Error("expected stale session closed")
	}
	if s.sessions["fresh"].ClosedAt != nil {
		t.Error("expected fresh session left open")
	}
}

func TestIsExpired(t *testing.T) {
	m := New(nil, 100)
	sess := &store.Session{LastActivityAt: 0}
	if m.IsExpired(sess, 50) {
		t.Error("expected not expired at 50 with timeout 100")
	}
	if !m.IsExpired(sess, 150) {
		t.Error("expected expired at 150 with timeout 100")
	}
}
