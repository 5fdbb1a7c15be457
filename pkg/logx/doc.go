// Package logx configures cupwatch's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - the optional file sink writes JSON lines
//   - the optional ops-chat sink forwards warnings to a Telegram chat, rate limited
//
// The zero Logger is a valid no-op logger.
package logx
