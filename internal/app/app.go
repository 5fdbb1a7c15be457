// Package app wires cupwatch together: config, logging, storage, the check
// scheduler, the subscription manager, Telegram and the ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cupwatch/internal/config"
	"cupwatch/internal/eventbus"
	"cupwatch/internal/fetcher"
	"cupwatch/internal/notifier"
	"cupwatch/internal/observability/metrics"
	"cupwatch/internal/observability/ops"
	"cupwatch/internal/runtime/supervisor"
	"cupwatch/internal/storage"
	"cupwatch/internal/subscription"
	"cupwatch/internal/task/scheduler"
	"cupwatch/internal/transport"
	"cupwatch/internal/transport/telegram/adapter"
	"cupwatch/internal/transport/telegram/router"
	"cupwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter transport.Adapter
	sched   *scheduler.Service
	notif   *notifier.Dispatcher
	subs    *subscription.Manager
	router  *router.Router
	metrics *metrics.Metrics
	ops     *ops.Service

	updates chan transport.Update
	started time.Time
}

type Option func(*options)

type options struct {
	adapter transport.Adapter
}

// WithAdapter replaces the Telegram adapter, e.g. with an in-memory one.
func WithAdapter(ad transport.Adapter) Option {
	return func(o *options) { o.adapter = ad }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, root, o); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger, o options) (err error) {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	ad := o.adapter
	if ad == nil {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		if tc.Token == "" {
			return fmt.Errorf("telegram token missing: set telegram.token or %s", config.TokenEnv)
		}
		tg, err := adapter.New(tc, comp("telegram"))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		ad = tg
	}
	a.adapter = ad
	a.logs.SetSender(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &transport.SendOptions{DisablePreview: true})
		return err
	})

	stc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(stc, comp("storage"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = a.store.Close()
		}
	}()
	a.log.Info("storage opened", logx.String("driver", stc.Driver))

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(sc, comp("scheduler"))

	fc, err := mapFetcherConfig(cfg)
	if err != nil {
		return err
	}
	fetch, err := fetcher.New(fc, comp("fetcher"))
	if err != nil {
		return fmt.Errorf("fetcher: %w", err)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, ad, comp("notifier"))

	subc, err := mapSubscriptionConfig(cfg)
	if err != nil {
		return err
	}
	a.subs = subscription.NewManager(subc, subscription.Deps{
		Store:     a.store,
		Scheduler: a.sched,
		Fetcher:   fetch,
		Notifier:  a.notif,
		Bus:       a.bus,
	}, comp("subscriptions"))

	ropts := []router.Option{router.WithEventBus(a.bus)}
	if ss, ok := a.store.(storage.Sessions); ok {
		ropts = append(ropts, router.WithSessions(ss))
	}
	a.router = router.New(mapRouterConfig(cfg, sc, a.notif.Config()), a.subs, ad, root, ropts...)

	buffer := cfg.Telegram.UpdateBuffer
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	a.updates = make(chan transport.Update, buffer)

	a.metrics = metrics.New()
	a.registerGauges()

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, comp("ops"),
		ops.WithHealth(a.health),
		ops.WithMetrics(a.metrics.Handler()),
		ops.WithDebug("scheduler", func() any { return a.sched.Snapshot() }),
		ops.WithDebug("notifications", func() any { return a.notif.Recent() }),
		ops.WithDebug("supervisor", func() any { return a.supervisorSnapshot() }),
		ops.WithDebug("checks", func() any { return a.router.Checks() }),
	)
	return nil
}

func (a *App) registerGauges() {
	m := a.metrics
	m.Gauge("subscription_timers", "Armed subscription timers.", func() float64 {
		return float64(a.subs.ArmedCount())
	})
	m.Gauge("checks_in_flight", "Checks running right now.", func() float64 {
		return float64(a.sched.Snapshot().InFlight)
	})
	m.Counter("checks_skipped_total", "Ticks skipped because the previous check was still running.", func() float64 {
		return float64(a.sched.Snapshot().Skipped)
	})
	m.Counter("messages_sent_total", "Telegram messages sent by the notifier.", func() float64 {
		return float64(a.notif.Stats().Sent)
	})
	m.Counter("messages_failed_total", "Telegram messages the notifier failed to send.", func() float64 {
		return float64(a.notif.Stats().Failed)
	})
	m.Gauge("manual_checks_in_flight", "On-demand /check fetches running right now.", func() float64 {
		return float64(a.router.Checks().InFlight)
	})
	m.Gauge("conversations", "Open chat conversations.", func() float64 {
		return float64(a.router.Sessions())
	})
	m.Counter("commands_total", "Chat commands handled.", func() float64 {
		return float64(a.router.Handled())
	})
	m.Counter("commands_rejected_total", "Chat commands rejected because the job queue was full.", func() float64 {
		return float64(a.router.Busy())
	})
	if d, ok := a.bus.(eventbus.Dropper); ok {
		m.Counter("events_dropped_total", "Bus events dropped for slow subscribers.", func() float64 {
			return float64(d.Dropped())
		})
	}
	if d, ok := a.adapter.(interface{ Dropped() uint64 }); ok {
		m.Counter("updates_dropped_total", "Telegram updates dropped because the router fell behind.", func() float64 {
			return float64(d.Dropped())
		})
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Ops is the ops HTTP service.
func (a *App) Ops() *ops.Service { return a.ops }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) supervisorSnapshot() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Healthy reports whether the check scheduler runs and no fatal error
// occurred.
func (a *App) Healthy() bool {
	return a.sup != nil && a.sup.Context().Err() == nil && a.sched.Snapshot().Running
}

func (a *App) health(context.Context) (any, bool) {
	ok := a.Healthy()
	snap := a.sched.Snapshot()
	status := "ok"
	if !ok {
		status = "degraded"
	}
	return map[string]any{
		"status": status,
		"uptime": time.Since(a.started).Round(time.Second).String(),
		"scheduler": map[string]any{
			"running":   snap.Running,
			"entries":   len(snap.Entries),
			"in_flight": snap.InFlight,
			"skipped":   snap.Skipped,
		},
		"timers":        a.subs.ArmedCount(),
		"conversations": a.router.Sessions(),
		"notifier":      a.notif.Stats(),
	}, ok
}

// Start restores persisted subscriptions and starts every component. A
// restore failure is fatal: subscriptions without timers would silently
// stop notifying.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("metrics.events", func(c context.Context) {
		defer unsub()
		a.metrics.Consume(c, events)
	})
	a.startEventLog()

	// Not tied to the supervisor: Stop gives running checks time to finish.
	a.sched.Start(context.WithoutCancel(a.sup.Context()))
	n, err := a.subs.Restore(a.sup.Context())
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	a.log.Info("subscriptions restored", logx.Int("count", n))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start telegram: %w", err)
	}
	a.sup.Go("telegram.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	a.ops.Start(a.sup.Context())

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startEventLog logs bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if d, ok := e.Data.(subscription.EventData); ok {
					fields = append(fields, logx.String("id", d.ID.String()))
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

// startReload fans committed config reloads out to the live components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartRequired[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if subc, err := mapSubscriptionConfig(next); err != nil {
		a.log.Warn("invalid subscriptions config; keeping previous", logx.Err(err))
	} else {
		a.subs.SetConfig(subc)
	}
	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.Strings("changed", sections)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest. Checks still running when the scheduler
// step runs out of time are canceled and send no diagnostic.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Inbound first: no new commands while timers wind down.
	a.sup.Cancel()

	var errs []error
	run := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	run("telegram", 3*time.Second, a.adapter.Stop)
	run("subscriptions", time.Second, a.subs.Close)
	run("scheduler", 5*time.Second, a.sched.Stop)
	run("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	run("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	run("supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs fn with an upper bound, never extending the caller's deadline.
// A step that overruns is logged and left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}
