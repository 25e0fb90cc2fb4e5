package blocklist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when Redis is not configured.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]Entry
	nowF func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]Entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) expired(e Entry, now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// IsBlocked reports whether ip is blocked. Expired entries are dropped lazily.
func (s *MemoryStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	key, err := Normalize(ip)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if s.expired(e, s.nowF()) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Block adds or replaces the entry for ip.
func (s *MemoryStore) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	key, err := Normalize(ip)
	if err != nil {
		return err
	}
	now := s.nowF()
	e := Entry{IP: key, Reason: reason, BlockedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = e
	return nil
}

// Unblock removes ip.
func (s *MemoryStore) Unblock(ctx context.Context, ip string) (bool, error) {
	key, err := Normalize(ip)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	delete(s.m, key)
	return ok && !s.expired(e, s.nowF()), nil
}

// List returns the unexpired entries ordered by address.
func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	now := s.nowF()
	s.mu.RLock()
	out := make([]Entry, 0, len(s.m))
	for _, e := range s.m {
		if !s.expired(e, now) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}
