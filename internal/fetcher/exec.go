package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"cupwatch/internal/subscription"
	"cupwatch/pkg/logx"
)

const stderrTail = 2048

// ExecFetcher runs the scraper command once per Fetch.
type ExecFetcher struct {
	cfg Config
	log logx.Logger
}

func NewExec(cfg Config, log logx.Logger) (*ExecFetcher, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("fetcher.command is required for exec driver")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecFetcher{cfg: cfg, log: log.With(logx.String("comp", "fetcher"))}, nil
}

func (f *ExecFetcher) Fetch(ctx context.Context, subjectID, requestID string) ([]subscription.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.cfg.Command, f.cfg.Args...)
	cmd.Env = append(os.Environ(), SubjectEnv+"="+subjectID, RequestEnv+"="+requestID)
	cmd.Dir = f.cfg.Dir
	// Children that inherited the pipes must not hold Wait forever.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: fmt.Errorf("scraper timed out after %s", f.cfg.Timeout)}
		case ctx.Err() != nil:
			return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// A scraper may report an unexpected stage and still exit non-zero.
			if _, derr := decode(stdout.Bytes()); errors.Is(derr, subscription.ErrUnexpectedState) {
				return nil, derr
			}
			return nil, &subscription.FetchError{
				Kind: subscription.KindFetchFailure,
				Err:  fmt.Errorf("scraper exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String(), stderrTail)),
			}
		}
		return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: fmt.Errorf("run scraper: %w", err)}
	}

	recs, err := decode(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	f.log.Debug("fetch done", logx.String("subject_id", subjectID), logx.Int("records", len(recs)), logx.Duration("took", took))
	return recs, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
