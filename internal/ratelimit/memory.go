package ratelimit

import (
	"context"
	"sync"
	"time"
)

// evictPerWrite bounds how many map entries one write inspects for expiry.
const evictPerWrite = 8

type counter struct {
	start     time.Time
	current   int
	previous  int
	expiresAt time.Time
}

// MemoryStore keeps counters in process. Expired entries are evicted a few
// at a time on writes; there is no background cleanup.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, start time.Time, window time.Duration) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(start)

	c, ok := s.counters[key]
	switch {
	case !ok:
		c = &counter{start: start}
		s.counters[key] = c
	case c.start.Equal(start):
	case c.start.Add(window).Equal(start):
		c.previous, c.current, c.start = c.current, 0, start
	default:
		// Idle for more than one window: nothing carries over.
		c.previous, c.current, c.start = 0, 0, start
	}
	c.current++
	c.expiresAt = start.Add(2 * window)
	return c.current, c.previous, nil
}

func (s *MemoryStore) evict(now time.Time) {
	n := 0
	for key, c := range s.counters {
		if n == evictPerWrite {
			return
		}
		n++
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
