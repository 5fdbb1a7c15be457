package app

import (
	"strings"
	"time"

	"cupwatch/internal/config"
	"cupwatch/internal/fetcher"
	"cupwatch/internal/notifier"
	"cupwatch/internal/observability/ops"
	"cupwatch/internal/storage"
	"cupwatch/internal/subscription"
	"cupwatch/internal/task/scheduler"
	"cupwatch/internal/transport/telegram/adapter"
	"cupwatch/internal/transport/telegram/router"
	"cupwatch/pkg/logx"
)

const (
	defaultPollTimeout  = 10 * time.Second
	defaultCheckTimeout = 5 * time.Minute
	defaultUpdateBuffer = 256
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			ChatID:     lc.Chat.ChatID,
			ThreadID:   lc.Chat.ThreadID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (adapter.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{Token: cfg.ResolveToken(), PollTimeout: poll}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.check_timeout", cfg.Scheduler.CheckTimeout, defaultCheckTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{MaxConcurrent: cfg.Scheduler.MaxConcurrent, Timeout: timeout}, nil
}

// mapSubscriptionConfig keeps "initial_delay: 0s" (fire right away) apart
// from an omitted value (default delay).
func mapSubscriptionConfig(cfg *config.Config) (subscription.Config, error) {
	sc := cfg.Subscriptions
	period, err := config.ParseDurationField("subscriptions.period", sc.Period)
	if err != nil {
		return subscription.Config{}, err
	}
	delay := time.Duration(-1)
	if strings.TrimSpace(sc.InitialDelay) != "" {
		if delay, err = config.ParseDurationField("subscriptions.initial_delay", sc.InitialDelay); err != nil {
			return subscription.Config{}, err
		}
	}
	return subscription.Config{Period: period, InitialDelay: delay}, nil
}

func mapFetcherConfig(cfg *config.Config) (fetcher.Config, error) {
	fc := cfg.Fetcher
	timeout, err := config.ParseDurationField("fetcher.timeout", fc.Timeout)
	if err != nil {
		return fetcher.Config{}, err
	}
	return fetcher.Config{
		Driver:     strings.ToLower(strings.TrimSpace(fc.Driver)),
		Command:    strings.TrimSpace(fc.Command),
		Args:       append([]string(nil), fc.Args...),
		Dir:        fc.Dir,
		Timeout:    timeout,
		StaticFile: fc.StaticFile,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	timeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		ChunkLimit:  nc.ChunkLimit,
		RatePerSec:  nc.RatePerSec,
		Burst:       nc.Burst,
		SendTimeout: timeout,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	rt, err := config.ParseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Pprof:         oc.Pprof,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// mapRouterConfig gives /check the same budget as a scheduled check plus
// room for the replies.
func mapRouterConfig(cfg *config.Config, sc scheduler.Config, nc notifier.Config) router.Config {
	return router.Config{
		Workers:      cfg.Telegram.Workers,
		CheckWorkers: cfg.Telegram.CheckWorkers,
		CheckTimeout: sc.Timeout + 30*time.Second,
		ChunkLimit:   nc.ChunkLimit,
	}
}

// validateMapped runs every mapping so a hot reload that would fail to
// apply is rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSubscriptionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
