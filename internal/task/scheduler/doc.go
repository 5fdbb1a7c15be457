// Package scheduler runs named periodic actions on top of robfig/cron.
//
// Each Schedule call registers one cron entry whose first firing happens
// after an initial delay and every period afterwards. Firings of the same
// entry never overlap (a tick that comes due while the previous run is still
// going is skipped). Different entries run independently, optionally capped
// by a process-wide concurrency limit.
package scheduler
