package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupwatch/internal/eventbus"
	"cupwatch/pkg/logx"
)

func started(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestEnqueueRuns(t *testing.T) {
	s := started(t, Config{Workers: 1}, nil)
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "check", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 10*time.Millisecond)
}

func TestSameKeyIsSkipped(t *testing.T) {
	s := started(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	running := make(chan struct{})
	block := func(context.Context) error {
		close(running)
		<-release
		return nil
	}
	require.NoError(t, s.Enqueue(Task{Name: "check", Key: "u1", Run: block}))
	<-running

	err := s.Enqueue(Task{Name: "check", Key: "u1", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	assert.Equal(t, uint64(1), s.Snapshot().SkippedOverlap)

	other := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "check", Key: "u2", Run: func(context.Context) error {
		close(other)
		return nil
	}}))
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("other key blocked")
	}

	close(release)
	require.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "check", Key: "u1", Run: func(context.Context) error { return nil }}) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := started(t, Config{Workers: 1, QueueSize: 1}, bus)
	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}))
	<-running
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)

	select {
	case e := <-events:
		assert.Equal(t, eventbus.TaskDropped, e.Type)
		assert.Equal(t, "queue_full", e.Data.(TaskEvent).Reason)
	case <-time.After(time.Second):
		t.Fatal("no drop event")
	}
}

func TestTimeoutAndPanic(t *testing.T) {
	s := started(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, nil)
	var sawDeadline atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}}))
	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }}))

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, 2*time.Second, 10*time.Millisecond)
	h := s.Snapshot().History
	assert.True(t, sawDeadline.Load())
	assert.Contains(t, h[1].Error, "kaboom")
}

func TestStoppedRejects(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	require.Error(t, s.Enqueue(Task{Name: "x"}))
}

func TestStopCancelsRunning(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	canceled := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "x", Key: "k", Run: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}}))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	<-canceled
	assert.False(t, s.Snapshot().Running)
}
