package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupwatch/internal/eventbus"
	"cupwatch/internal/subscription"
)

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New()

	m.Observe(eventbus.Event{Type: eventbus.SubscriptionCreated})
	m.Observe(eventbus.Event{Type: eventbus.SubscriptionCreated})
	m.Observe(eventbus.Event{Type: eventbus.SubscriptionCanceled})
	m.Observe(eventbus.Event{Type: eventbus.CheckCompleted, Data: subscription.EventData{Records: 5, Matches: 2}})
	m.Observe(eventbus.Event{Type: eventbus.CheckFailed, Data: subscription.EventData{Kind: "unexpected_state"}})
	m.Observe(eventbus.Event{Type: eventbus.CheckFailed})
	m.Observe(eventbus.Event{Type: eventbus.NotificationSent})
	m.Observe(eventbus.Event{Type: eventbus.TaskFinished})
	m.Observe(eventbus.Event{Type: eventbus.TaskDropped})
	m.Observe(eventbus.Event{Type: "something.else"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscriptions.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions.WithLabelValues("canceled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checks.WithLabelValues("unexpected_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checks.WithLabelValues("fetch_failure")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Records))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Matches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues("dropped")))
}

func TestConsumeFromBus(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Consume(ctx, events)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.NotificationFailed})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Notifications.WithLabelValues("failed")) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestHandlerExposesFuncMetrics(t *testing.T) {
	t.Parallel()
	m := New()
	m.Gauge("armed_timers", "Live subscription timers.", func() float64 { return 3 })
	m.Counter("scheduler_skipped_total", "Skipped overlapping firings.", func() float64 { return 7 })
	m.Subscriptions.WithLabelValues("created").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "cupwatch_armed_timers 3")
	assert.Contains(t, string(body), "cupwatch_scheduler_skipped_total 7")
	assert.Contains(t, string(body), `cupwatch_subscription_events_total{action="created"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
