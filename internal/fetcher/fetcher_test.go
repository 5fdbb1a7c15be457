package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupwatch/internal/subscription"
	"cupwatch/pkg/logx"
)

func shellFetcher(t *testing.T, script string, timeout time.Duration) *ExecFetcher {
	t.Helper()
	f, err := NewExec(Config{Command: "/bin/sh", Args: []string{"-c", script}, Timeout: timeout}, logx.Nop())
	require.NoError(t, err)
	return f
}

func TestExecFetchRecords(t *testing.T) {
	t.Parallel()
	f := shellFetcher(t, `printf '{"status":"ok","records":[{"label":"Visita","date":"01/02/2027","raw":"%s %s"}]}' "$CUPWATCH_SUBJECT_ID" "$CUPWATCH_REQUEST_ID"`, 5*time.Second)

	recs, err := f.Fetch(context.Background(), "RSSMRA80A01H501U", "1234567A")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Visita", recs[0].Label)
	assert.Equal(t, "RSSMRA80A01H501U 1234567A", recs[0].Raw)
}

func TestExecFetchEmptyResult(t *testing.T) {
	t.Parallel()
	f := shellFetcher(t, `echo '{"status":"ok"}'`, 5*time.Second)
	recs, err := f.Fetch(context.Background(), "s", "r")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestExecFetchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		script   string
		sentinel error
		contains string
	}{
		{"unexpected state", `echo '{"status":"unexpected_state","stage":"Prestazioni"}'`, subscription.ErrUnexpectedState, "Prestazioni"},
		{"unexpected state with exit code", `echo '{"status":"unexpected_state","stage":"NRE"}'; exit 2`, subscription.ErrUnexpectedState, "NRE"},
		{"scraper error", `echo '{"status":"error","error":"browser crashed"}'`, subscription.ErrFetchFailure, "browser crashed"},
		{"non-zero exit", `echo 'geckodriver missing' >&2; exit 3`, subscription.ErrFetchFailure, "code 3: geckodriver missing"},
		{"bad json", `echo 'not json'`, subscription.ErrFetchFailure, "decode scraper output"},
		{"no output", `true`, subscription.ErrFetchFailure, "empty scraper output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := shellFetcher(t, tt.script, 5*time.Second).Fetch(context.Background(), "s", "r")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Contains(t, err.Error(), tt.contains)
			var fe *subscription.FetchError
			assert.True(t, errors.As(err, &fe))
		})
	}
}

func TestExecFetchTimeout(t *testing.T) {
	t.Parallel()
	f := shellFetcher(t, `exec sleep 10`, 100*time.Millisecond)

	start := time.Now()
	_, err := f.Fetch(context.Background(), "s", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, subscription.ErrFetchFailure)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecFetchCanceled(t *testing.T) {
	t.Parallel()
	f := shellFetcher(t, `exec sleep 10`, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := f.Fetch(ctx, "s", "r")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, subscription.ErrFetchFailure)
}

func TestStaticFetcher(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "availability.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"status":"ok","records":[{"label":"A"},{"label":"B"}]}`), 0o600))

	f, err := New(Config{Driver: "static", StaticFile: path}, logx.Nop())
	require.NoError(t, err)
	recs, err := f.Fetch(context.Background(), "s", "r")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Re-read on every call.
	require.NoError(t, os.WriteFile(path, []byte(`{"status":"unexpected_state","stage":"Appuntamenti"}`), 0o600))
	_, err = f.Fetch(context.Background(), "s", "r")
	assert.ErrorIs(t, err, subscription.ErrUnexpectedState)

	require.NoError(t, os.Remove(path))
	_, err = f.Fetch(context.Background(), "s", "r")
	assert.ErrorIs(t, err, subscription.ErrFetchFailure)
}

func TestNewValidatesDriver(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Driver: "selenium"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Driver: "exec"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Driver: "static"}, logx.Nop())
	assert.Error(t, err)
}
