package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cupwatch/pkg/logx"
)

// watchdog reports readiness to systemd and pets its watchdog while the
// app is healthy. Outside systemd every call is a no-op.
type watchdog struct {
	log     logx.Logger
	healthy func() bool
}

func newWatchdog(log logx.Logger, healthy func() bool) *watchdog {
	return &watchdog{log: log.With(logx.String("comp", "systemd")), healthy: healthy}
}

func (w *watchdog) ready() {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		w.log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if ok {
		w.log.Debug("notified systemd: ready")
	}
}

func (w *watchdog) stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// run pets the watchdog at half the configured interval. An unhealthy app
// skips the ping so systemd restarts it once the interval passes.
func (w *watchdog) run(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		w.log.Warn("systemd watchdog lookup failed", logx.Err(err))
		return
	}
	if interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()

	unhealthy := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !w.healthy() {
			unhealthy++
			w.log.Warn("skipping watchdog ping: app unhealthy", logx.Int("consecutive", unhealthy))
			continue
		}
		unhealthy = 0
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			w.log.Warn("watchdog ping failed", logx.Err(err))
		}
	}
}
