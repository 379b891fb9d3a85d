package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/xaenox/mention-bridge/internal/models"
)

type entry[V any] struct {
	key   models.CorrelationKey
	value V
}

// Store is an in-memory KV whose entries become stale ttl after the
// timestamp of their key. Stale entries are removed lazily by Values and by
// writes; there is no background sweeper.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	clock   clockwork.Clock
}

func NewStore[V any](ttl time.Duration, clock clockwork.Clock) *Store[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		clock:   clock,
	}
}

// Put adds value under key unless a live entry with the same ID exists.
func (s *Store[V]) Put(key models.CorrelationKey, value V) bool {
	if key.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	if _, exists := s.entries[key.ID]; exists {
		return false
	}
	s.entries[key.ID] = entry[V]{key: key, value: value}
	return true
}

// Upsert stores value under key, replacing any previous entry and its timestamp.
func (s *Store[V]) Upsert(key models.CorrelationKey, value V) bool {
	if key.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.entries[key.ID] = entry[V]{key: key, value: value}
	return true
}

// Update replaces the value of the live entry under id and keeps its
// timestamp. It reports false when there is no live entry.
func (s *Store[V]) Update(id string, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.key.Expired(s.clock.Now(), s.ttl) {
		return false
	}
	s.entries[id] = entry[V]{key: e.key, value: value}
	return true
}

// Get returns the value stored under id. It does not sweep; an entry past
// its ttl is reported as absent but left in place.
func (s *Store[V]) Get(id string) (V, bool) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.key.Expired(s.clock.Now(), s.ttl) {
		return zero, false
	}
	return e.value, true
}

func (s *Store[V]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Values sweeps stale entries and returns a snapshot of the rest, oldest first.
func (s *Store[V]) Values() []V {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	live := make([]entry[V], 0, len(s.entries))
	for _, e := range s.entries {
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].key.CreatedAt.Equal(live[j].key.CreatedAt) {
			return live[i].key.ID < live[j].key.ID
		}
		return live[i].key.CreatedAt.Before(live[j].key.CreatedAt)
	})

	values := make([]V, len(live))
	for i, e := range live {
		values[i] = e.value
	}
	return values
}

// Len counts entries including stale ones not yet swept.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweepLocked must be called with mu held.
func (s *Store[V]) sweepLocked() {
	now := s.clock.Now()
	for id, e := range s.entries {
		if e.key.Expired(now, s.ttl) {
			delete(s.entries, id)
		}
	}
}
