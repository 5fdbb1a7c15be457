package fetcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cupwatch/internal/subscription"
	"cupwatch/pkg/logx"
)

const (
	SubjectEnv = "CUPWATCH_SUBJECT_ID"
	RequestEnv = "CUPWATCH_REQUEST_ID"

	defaultTimeout = 3 * time.Minute
)

type Config struct {
	Driver  string
	Command string
	Args    []string
	// Dir is the working directory of the command; empty means inherit.
	Dir     string
	Timeout time.Duration
	// StaticFile is read by the static driver.
	StaticFile string
}

// New returns the fetcher selected by cfg.Driver ("exec" by default).
func New(cfg Config, log logx.Logger) (subscription.Fetcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "exec":
		return NewExec(cfg, log)
	case "static":
		return NewStatic(cfg.StaticFile)
	default:
		return nil, fmt.Errorf("unknown fetcher driver %q", driver)
	}
}

type envelope struct {
	Status  string                `json:"status"`
	Stage   string                `json:"stage,omitempty"`
	Error   string                `json:"error,omitempty"`
	Records []subscription.Record `json:"records"`
}

// decode interprets a scraper response. Every failure is a
// *subscription.FetchError.
func decode(raw []byte) ([]subscription.Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: errors.New("empty scraper output")}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: fmt.Errorf("decode scraper output: %w", err)}
	}
	switch strings.ToLower(env.Status) {
	case "ok":
		if env.Records == nil {
			env.Records = []subscription.Record{}
		}
		return env.Records, nil
	case "unexpected_state":
		return nil, &subscription.FetchError{Kind: subscription.KindUnexpectedState, Stage: env.Stage}
	default:
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("scraper status %q", env.Status)
		}
		return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: errors.New(msg)}
	}
}
