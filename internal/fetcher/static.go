package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cupwatch/internal/subscription"
)

// StaticFetcher serves the envelope stored in a file, re-read on each call.
type StaticFetcher struct {
	path string
}

func NewStatic(path string) (*StaticFetcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("fetcher.static_file is required for static driver")
	}
	return &StaticFetcher{path: path}, nil
}

func (f *StaticFetcher) Fetch(ctx context.Context, subjectID, requestID string) ([]subscription.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: err}
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, &subscription.FetchError{Kind: subscription.KindFetchFailure, Err: fmt.Errorf("read %s: %w", f.path, err)}
	}
	return decode(raw)
}
