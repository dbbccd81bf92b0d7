package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. Suitable for a single instance
// and for tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*memRow
	seq  uint64
}

type memRow struct {
	s   Session
	seq uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*memRow)}
}

func (m *MemoryStore) FindActiveByDevice(_ context.Context, userID, deviceHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.deviceLocked(userID, deviceHash)
	if r == nil {
		return nil, ErrNotFound
	}
	out := r.s
	return &out, nil
}

func (m *MemoryStore) Touch(_ context.Context, id string, seen, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.s.Revoked() {
		return ErrNotFound
	}
	r.s.LastSeen = seen
	r.s.UpdatedAt = seen
	r.s.ExpiresAt = expiresAt
	return nil
}

func (m *MemoryStore) CreateWithCap(_ context.Context, s *Session, limit int) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.deviceLocked(s.UserID, s.DeviceHash); r != nil {
		r.s.LastSeen = s.LastSeen
		r.s.UpdatedAt = s.LastSeen
		r.s.ExpiresAt = s.ExpiresAt
		out := r.s
		return &Result{Session: &out, Reused: true}, nil
	}

	m.seq++
	m.rows[s.ID] = &memRow{s: *s, seq: m.seq}

	live := m.activeLocked(s.UserID)
	revoked := 0
	for _, r := range live[min(limit, len(live)):] {
		at := s.CreatedAt
		r.s.RevokedAt = &at
		r.s.UpdatedAt = at
		revoked++
	}
	out := *s
	return &Result{Session: &out, Revoked: revoked}, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r.s
	return &out, nil
}

func (m *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.s.Revoked() {
		return ErrNotFound
	}
	r.s.RevokedAt = &at
	r.s.UpdatedAt = at
	return nil
}

// ListActive returns the user's non-revoked sessions, newest first. No
// request path uses it; it lets tests inspect the store.
func (m *MemoryStore) ListActive(_ context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.activeLocked(userID)
	out := make([]*Session, len(live))
	for i, r := range live {
		s := r.s
		out[i] = &s
	}
	return out, nil
}

func (m *MemoryStore) deviceLocked(userID, deviceHash string) *memRow {
	var best *memRow
	for _, r := range m.rows {
		if r.s.UserID != userID || r.s.DeviceHash != deviceHash || r.s.Revoked() {
			continue
		}
		if best == nil || newer(r, best) {
			best = r
		}
	}
	return best
}

// activeLocked returns the user's non-revoked rows newest first.
func (m *MemoryStore) activeLocked(userID string) []*memRow {
	var live []*memRow
	for _, r := range m.rows {
		if r.s.UserID == userID && !r.s.Revoked() {
			live = append(live, r)
		}
	}
	sort.Slice(live, func(i, j int) bool { return newer(live[i], live[j]) })
	return live
}

// newer orders by created_at, then insertion order for equal timestamps.
func newer(a, b *memRow) bool {
	if !a.s.CreatedAt.Equal(b.s.CreatedAt) {
		return a.s.CreatedAt.After(b.s.CreatedAt)
	}
	return a.seq > b.seq
}
