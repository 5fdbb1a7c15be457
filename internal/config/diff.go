package config

import (
	"reflect"
	"strings"

	"cupwatch/pkg/logx"
)

// RestartRequired lists sections that only take effect on restart.
var RestartRequired = map[string]bool{
	"telegram": true,
	"storage":  true,
	"fetcher":  true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (the bot token) are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.check_timeout", newCfg.Scheduler.CheckTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Subscriptions, newCfg.Subscriptions) {
		changed = append(changed, "subscriptions")
		fields = append(fields,
			logx.String("subscriptions.period", newCfg.Subscriptions.Period),
			logx.String("subscriptions.initial_delay", newCfg.Subscriptions.InitialDelay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Fetcher, newCfg.Fetcher) {
		changed = append(changed, "fetcher")
		fields = append(fields, logx.String("fetcher.driver", newCfg.Fetcher.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.Int("notifier.chunk_limit", newCfg.Notifier.ChunkLimit),
			logx.Any("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		fields = append(fields, logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.String("ops.addr", newCfg.Ops.Addr))
	}
	return changed, fields
}
