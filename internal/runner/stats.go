package runner

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time copy of a runner's bookkeeping.
type Stats struct {
	Owner         string    `json:"owner"`
	Handled       int64     `json:"handled"`
	StartedAt     time.Time `json:"started_at"`
	LastReclaimAt time.Time `json:"last_reclaim_at"`
	InFlight      []string  `json:"in_flight"`
}

type stats struct {
	handled atomic.Int64

	mu            sync.Mutex
	startedAt     time.Time
	lastReclaimAt time.Time
	inFlight      map[string]struct{}
}

// newStats starts the reclaim clock one interval in the past so the first pass reclaims.
func newStats(now time.Time, scheduleInterval time.Duration) *stats {
	return &stats{
		startedAt:     now,
		lastReclaimAt: now.Add(-scheduleInterval),
		inFlight:      make(map[string]struct{}),
	}
}

// begin adds key to the in-flight set, reporting false when it is already there.
func (s *stats) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[key]; ok {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *stats) drop(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

func (s *stats) finish(key string) {
	s.drop(key)
	s.handled.Add(1)
}

func (s *stats) running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[key]
	return ok
}

func (s *stats) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *stats) lastReclaim() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReclaimAt
}

func (s *stats) markReclaim(at time.Time) {
	s.mu.Lock()
	s.lastReclaimAt = at
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.inFlight))
	for k := range s.inFlight {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Stats{
		Handled:       s.handled.Load(),
		StartedAt:     s.startedAt,
		LastReclaimAt: s.lastReclaimAt,
		InFlight:      keys,
	}
}
