package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"cupwatch/pkg/logx"
)

var (
	ErrInvalidPeriod = errors.New("scheduler: period must be > 0")
	ErrStopped       = errors.New("scheduler: stopped")
)

type Service struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	sem     *semaphore.Weighted // nil = unbounded
	c       *cron.Cron
	running bool
	stopped bool
	handles map[*Handle]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	inFlight atomic.Int64
	skipped  atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		log:     log,
		handles: map[*Handle]struct{}{},
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.applyLocked(cfg)
	cl := cronLogger{log: log, skipped: &s.skipped}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Apply updates the concurrency cap and per-firing timeout. Firings already
// holding a permit finish under the old limit.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MaxConcurrent != s.cfg.MaxConcurrent || (s.sem == nil && cfg.MaxConcurrent > 0) {
		s.sem = nil
		if cfg.MaxConcurrent > 0 {
			s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
		}
	}
	s.cfg = cfg
}

// Start begins triggering. Entries scheduled before Start have their initial
// delay measured from Start. ctx bounds every firing; cancelling it aborts
// running actions but does not stop triggering (use Stop).
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	if ctx != nil {
		context.AfterFunc(ctx, s.runCancel)
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("entries", len(s.handles)), logx.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop halts triggering and waits for running firings until ctx is done,
// after which their context is cancelled.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	s.mu.Unlock()

	done := s.c.Stop()
	var err error
	select {
	case <-done.Done():
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("stop deadline reached; aborting running checks", logx.Int64("in_flight", s.inFlight.Load()))
	}
	s.runCancel()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Schedule registers action under name. The first firing happens after
// initialDelay, then every period until the handle is cancelled. Names are
// labels only; two entries may share a name.
func (s *Service) Schedule(name string, period, initialDelay time.Duration, action func(ctx context.Context) error) (*Handle, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w (%s: %s)", ErrInvalidPeriod, name, period)
	}
	if action == nil {
		return nil, fmt.Errorf("scheduler: nil action for %s", name)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	h := &Handle{name: name, period: period, initialDelay: initialDelay, action: action}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	h.entryID = s.c.Schedule(&delayedEvery{period: period, delay: initialDelay}, cron.FuncJob(func() { s.fire(h) }))
	s.handles[h] = struct{}{}
	s.log.Debug("entry scheduled", logx.String("name", name), logx.Duration("period", period), logx.Duration("initial_delay", initialDelay))
	return h, nil
}

// Cancel stops future firings of h. A firing already in progress completes.
// Cancelling a nil or already-cancelled handle is a no-op.
func (s *Service) Cancel(h *Handle) {
	if h == nil || !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
	s.c.Remove(h.entryID)
	s.log.Debug("entry cancelled", logx.String("name", h.name))
}

func (s *Service) fire(h *Handle) {
	if h.cancelled.Load() {
		return
	}

	s.mu.Lock()
	sem := s.sem
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	ctx := s.runCtx
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)
		// Cancel may have happened while waiting for a permit.
		if h.cancelled.Load() {
			return
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	err := h.action(ctx)
	h.record(start, err)
	if err != nil {
		s.log.Warn("scheduled action failed", logx.String("name", h.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Trace("scheduled action done", logx.String("name", h.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:       s.running,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Timeout:       s.cfg.Timeout,
	}
	hs := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	snap.InFlight = s.inFlight.Load()
	snap.Skipped = s.skipped.Load()
	for _, h := range hs {
		e := s.c.Entry(h.entryID)
		h.mu.Lock()
		snap.Entries = append(snap.Entries, EntryInfo{
			Name:     h.name,
			Period:   h.period,
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     h.runs,
			Failures: h.failures,
			LastRun:  h.lastRun,
			LastErr:  h.lastErr,
		})
		h.mu.Unlock()
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Name < snap.Entries[j].Name })
	return snap
}

// Len returns the number of live (not cancelled) entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log     logx.Logger
	skipped *atomic.Uint64
}

func (l cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" {
		l.skipped.Add(1)
	}
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
