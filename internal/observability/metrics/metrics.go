// Package metrics exposes cupwatch's Prometheus instruments.
//
// Counters are driven by subscription lifecycle events read from the event
// bus, so the manager never imports Prometheus. Gauges for live state (armed
// timers, in-flight checks) are registered as functions by the app.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cupwatch/internal/eventbus"
	"cupwatch/internal/subscription"
)

const namespace = "cupwatch"

type Metrics struct {
	reg *prometheus.Registry

	Subscriptions *prometheus.CounterVec // action: created|canceled|restored|filter_added
	Checks        *prometheus.CounterVec // result: ok|fetch_failure|unexpected_state
	Records       prometheus.Counter
	Matches       prometheus.Counter
	Notifications *prometheus.CounterVec // result: sent|failed
	Tasks         *prometheus.CounterVec // result: ok|failed|dropped
}

// New creates the instruments on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Subscription lifecycle events by action.",
		}, []string{"action"}),
		Checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Scheduled availability checks by result.",
		}, []string{"result"}),
		Records: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Availability records returned by scheduled checks.",
		}),
		Matches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_matched_total",
			Help:      "Records that passed subscription filters.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Scheduled notifications by delivery result.",
		}, []string{"result"}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_checks_total",
			Help:      "On-demand /check runs by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Counter registers a monotonically increasing value read from fn.
func (m *Metrics) Counter(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Observe updates counters for one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	data, _ := e.Data.(subscription.EventData)
	switch e.Type {
	case eventbus.SubscriptionCreated:
		m.Subscriptions.WithLabelValues("created").Inc()
	case eventbus.SubscriptionCanceled:
		m.Subscriptions.WithLabelValues("canceled").Inc()
	case eventbus.SubscriptionRestored:
		m.Subscriptions.WithLabelValues("restored").Inc()
	case eventbus.SubscriptionFiltered:
		m.Subscriptions.WithLabelValues("filter_added").Inc()
	case eventbus.CheckCompleted:
		m.Checks.WithLabelValues("ok").Inc()
		m.Records.Add(float64(data.Records))
		m.Matches.Add(float64(data.Matches))
	case eventbus.CheckFailed:
		kind := data.Kind
		if kind == "" {
			kind = subscription.KindFetchFailure.String()
		}
		m.Checks.WithLabelValues(kind).Inc()
	case eventbus.NotificationSent:
		m.Notifications.WithLabelValues("sent").Inc()
	case eventbus.NotificationFailed:
		m.Notifications.WithLabelValues("failed").Inc()
	case eventbus.TaskFinished:
		m.Tasks.WithLabelValues("ok").Inc()
	case eventbus.TaskFailed:
		m.Tasks.WithLabelValues("failed").Inc()
	case eventbus.TaskDropped:
		m.Tasks.WithLabelValues("dropped").Inc()
	}
}

// Consume observes events until ctx is done or the channel is closed.
func (m *Metrics) Consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
