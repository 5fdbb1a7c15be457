package scheduler

import (
	"hash/fnv"
	"sync"
	"time"
)

const maxStartupSpread = 30 * time.Second

// delayedEvery fires once at (first Next call + delay) and then every period
// after each firing. Unlike cron.Every it keeps sub-second precision.
type delayedEvery struct {
	period time.Duration
	delay  time.Duration

	mu      sync.Mutex
	started bool
}

func (s *delayedEvery) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		return t.Add(s.delay)
	}
	return t.Add(s.period)
}

// Spread returns a stable offset in [0, min(period, 30s)) derived from name.
// Callers add it to the initial delay when arming many entries at once
// (e.g. after a restart) so they don't all fire in the same instant.
func Spread(name string, period time.Duration) time.Duration {
	limit := period
	if limit > maxStartupSpread {
		limit = maxStartupSpread
	}
	if limit <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(limit))
}
