package notifier

import "time"

const (
	DefaultChunkLimit  = 3400
	defaultRatePerSec  = 20
	defaultSendTimeout = 10 * time.Second
	historySize        = 100
)

// Config controls chunking and throttling of outbound messages.
type Config struct {
	// ChunkLimit is the maximum number of characters (runes) per message.
	ChunkLimit int
	// RatePerSec and Burst configure the shared send limiter.
	RatePerSec float64
	Burst      int
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = DefaultChunkLimit
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

// HistoryItem records one message handed to the transport.
type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Runes  int       `json:"runes"`
	Error  string    `json:"error,omitempty"`
}

// Stats are cumulative counters since the dispatcher was created.
type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}
