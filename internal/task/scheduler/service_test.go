package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupwatch/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestScheduleFiresAfterDelayThenEveryPeriod(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	var fires atomic.Int32
	start := time.Now()
	var first atomic.Int64
	_, err := s.Schedule("tick", 30*time.Millisecond, 80*time.Millisecond, func(ctx context.Context) error {
		if fires.Add(1) == 1 {
			first.Store(int64(time.Since(start)))
		}
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Duration(first.Load()), 80*time.Millisecond)
}

func TestScheduleBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var fires atomic.Int32
	_, err := s.Schedule("early", 20*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fires.Load())

	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return fires.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestSameEntryNeverOverlaps(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	var running, maxRunning, fires atomic.Int32
	_, err := s.Schedule("slow", 10*time.Millisecond, 0, func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		fires.Add(1)
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Positive(t, s.Snapshot().Skipped)
}

func TestEntriesAreIndependent(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	block := make(chan struct{})
	defer close(block)
	_, err := s.Schedule("stuck", 10*time.Millisecond, 0, func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	var fires atomic.Int32
	_, err = s.Schedule("healthy", 10*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fires.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancelStopsFutureFirings(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	var fires atomic.Int32
	h, err := s.Schedule("cancel-me", 15*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fires.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Cancel(h)
	s.Cancel(h)
	s.Cancel(nil)
	assert.True(t, h.Cancelled())
	assert.Zero(t, s.Len())

	// Allow a firing that was already dispatched to finish.
	time.Sleep(20 * time.Millisecond)
	after := fires.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, fires.Load())
}

func TestCancelDuringFiringLetsItComplete(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var completed, fires atomic.Int32
	h, err := s.Schedule("inflight", 10*time.Millisecond, 0, func(ctx context.Context) error {
		fires.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		completed.Add(1)
		return nil
	})
	require.NoError(t, err)

	<-entered
	s.Cancel(h)
	close(release)

	require.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestFailuresDoNotStopEntry(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	var fires atomic.Int32
	_, err := s.Schedule("flaky", 10*time.Millisecond, 0, func(ctx context.Context) error {
		switch fires.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("upstream down")
		}
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fires.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.GreaterOrEqual(t, snap.Entries[0].Failures, uint64(1))
}

func TestMaxConcurrentBoundsAllEntries(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{MaxConcurrent: 1})

	var running, maxRunning, fires atomic.Int32
	action := func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		fires.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Schedule(name, 10*time.Millisecond, 0, action)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return fires.Load() >= 6 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestFiringTimeout(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{Timeout: 20 * time.Millisecond})

	var timedOut atomic.Int32
	_, err := s.Schedule("slow-fetch", 50*time.Millisecond, 0, func(ctx context.Context) error {
		<-ctx.Done()
		timedOut.Add(1)
		return ctx.Err()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return timedOut.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	_, err := s.Schedule("zero", 0, time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = s.Schedule("nil", time.Second, 0, nil)
	assert.Error(t, err)

	require.NoError(t, s.Stop(context.Background()))
	_, err = s.Schedule("late", time.Second, 0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSpread(t *testing.T) {
	t.Parallel()
	a := Spread("check:1/AB/CD", 30*time.Minute)
	assert.Equal(t, a, Spread("check:1/AB/CD", 30*time.Minute))
	assert.Less(t, a, maxStartupSpread)
	assert.Less(t, Spread("x", 10*time.Second), 10*time.Second)
	assert.Zero(t, Spread("x", 0))
}
