package vault

import (
	"sync"
	"time"
)

const pendingTTL = 15 * time.Minute

type pendingAuth struct {
	verifier   string
	returnPath string
	createdAt  time.Time
}

// pendingStore holds in-flight authorizations keyed by state. Entries are
// one-shot and expire after ttl.
type pendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingAuth
	ttl     time.Duration
	now     func() time.Time
}

func newPendingStore(ttl time.Duration, now func() time.Time) *pendingStore {
	return &pendingStore{entries: make(map[string]pendingAuth), ttl: ttl, now: now}
}

func (s *pendingStore) put(state string, p pendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.Sub(e.createdAt) > s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[state] = p
}

func (s *pendingStore) take(state string) (pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[state]
	if !ok {
		return pendingAuth{}, false
	}
	delete(s.entries, state)

	if s.now().Sub(p.createdAt) > s.ttl {
		return pendingAuth{}, false
	}
	return p, true
}

func (s *pendingStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
