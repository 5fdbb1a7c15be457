package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	// MaxConcurrent bounds simultaneously running actions across all
	// entries. 0 means unbounded.
	MaxConcurrent int
	// Timeout bounds a single firing. 0 means no per-firing timeout.
	Timeout time.Duration
	// Location is used for cron bookkeeping; nil means time.Local.
	Location *time.Location
}

type Action func(ctx context.Context) error

// Handle is the caller's ownership token for one scheduled entry.
// It is opaque apart from its name and state accessors.
type Handle struct {
	name         string
	period       time.Duration
	initialDelay time.Duration
	action       Action

	entryID   cron.EntryID
	cancelled atomic.Bool

	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastRun  time.Time
	lastErr  string
}

func (h *Handle) Name() string { return h.name }

// Cancelled reports whether Cancel has been called for h.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

func (h *Handle) Period() time.Duration { return h.period }

func (h *Handle) record(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.lastRun = at
	if err != nil {
		h.failures++
		h.lastErr = err.Error()
	} else {
		h.lastErr = ""
	}
}

type EntryInfo struct {
	Name     string        `json:"name"`
	Period   time.Duration `json:"period"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running       bool          `json:"running"`
	MaxConcurrent int           `json:"max_concurrent"`
	InFlight      int64         `json:"in_flight"`
	Skipped       uint64        `json:"skipped"`
	Timeout       time.Duration `json:"timeout"`
	Entries       []EntryInfo   `json:"entries"`
}
