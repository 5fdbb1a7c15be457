package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"cupwatch/pkg/logx"
)

const TokenEnv = "CUPWATCH_TELEGRAM_TOKEN"

// ResolveToken returns the configured bot token, falling back to TokenEnv.
func (c *Config) ResolveToken() string {
	if t := strings.TrimSpace(c.Telegram.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv(TokenEnv))
}

// Validate rejects configs that would fail later at wiring time. It is run
// on Load and before a hot reload is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := [][2]string{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.check_timeout", c.Scheduler.CheckTimeout},
		{"subscriptions.period", c.Subscriptions.Period},
		{"subscriptions.initial_delay", c.Subscriptions.InitialDelay},
		{"fetcher.timeout", c.Fetcher.Timeout},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.write_timeout", c.Ops.WriteTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d[0], d[1]); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidLevel(c.Logging.Chat.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.chat.min_level: unknown level %q", c.Logging.Chat.MinLevel))
	}
	if c.Logging.Chat.Enabled && c.Logging.Chat.ChatID == 0 {
		errs = append(errs, errors.New("logging.chat.chat_id is required when logging.chat.enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}
	if c.Storage.CompactEvery < 0 {
		errs = append(errs, errors.New("storage.compact_every must be >= 0"))
	}

	if c.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Fetcher.Driver)) {
	case "", "exec":
		if strings.TrimSpace(c.Fetcher.Command) == "" {
			errs = append(errs, errors.New("fetcher.command is required when fetcher.driver=exec"))
		}
	case "static":
		if strings.TrimSpace(c.Fetcher.StaticFile) == "" {
			errs = append(errs, errors.New("fetcher.static_file is required when fetcher.driver=static"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown fetcher.driver: %s", c.Fetcher.Driver))
	}

	if c.Notifier.ChunkLimit < 0 {
		errs = append(errs, errors.New("notifier.chunk_limit must be >= 0"))
	}
	if c.Notifier.RatePerSec < 0 || c.Notifier.Burst < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec and notifier.burst must be >= 0"))
	}
	if c.Telegram.UpdateBuffer < 0 || c.Telegram.Workers < 0 {
		errs = append(errs, errors.New("telegram.update_buffer and telegram.workers must be >= 0"))
	}
	return errors.Join(errs...)
}
