package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	failAt map[int]error // 1-based call number
	calls  int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failAt[f.calls]; err != nil {
		return transport.MessageRef{}, err
	}
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func fastConfig() Config {
	return Config{ChunkLimit: 50, RatePerSec: 1000, Burst: 1000}
}

func TestDeliverSendsChunksInOrder(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(fastConfig(), s, logx.Nop())

	lines := []string{strings.Repeat("a", 30), strings.Repeat("b", 30), strings.Repeat("c", 30)}
	require.NoError(t, d.Deliver(context.Background(), transport.ChatTarget{ChatID: 7}, "Hdr:", lines))

	assert.Equal(t, Chunk("Hdr:", lines, 50), s.texts)
	assert.Len(t, s.texts, 3)
	assert.Equal(t, Stats{Sent: 3}, d.Stats())
	assert.Len(t, d.Recent(), 3)
}

func TestDeliverContinuesAfterFailedChunk(t *testing.T) {
	t.Parallel()
	boom := errors.New("flood wait")
	s := &fakeSender{failAt: map[int]error{2: boom}}
	d := New(fastConfig(), s, logx.Nop())

	lines := []string{strings.Repeat("a", 30), strings.Repeat("b", 30), strings.Repeat("c", 30)}
	err := d.Deliver(context.Background(), transport.ChatTarget{ChatID: 7}, "", lines)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "chunk 2/3")

	require.Len(t, s.texts, 2)
	assert.True(t, strings.HasPrefix(s.texts[0], "[1]: "))
	assert.True(t, strings.HasPrefix(s.texts[1], "[3]: "))
	assert.Equal(t, Stats{Sent: 2, Failed: 1}, d.Stats())
	assert.Equal(t, "flood wait", d.Recent()[1].Error)
}

func TestDeliverNothing(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(fastConfig(), s, logx.Nop())
	require.NoError(t, d.Deliver(context.Background(), transport.ChatTarget{ChatID: 1}, "Hdr:", nil))
	assert.Zero(t, s.calls)
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(Config{RatePerSec: 20, Burst: 1}, s, logx.Nop())

	start := time.Now()
	for range 4 {
		require.NoError(t, d.Send(context.Background(), transport.ChatTarget{ChatID: 1}, "hi"))
	}
	// Burst 1 at 20/s: three waits of ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestSendHonoursContext(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(Config{RatePerSec: 0.1, Burst: 1}, s, logx.Nop())
	require.NoError(t, d.Send(context.Background(), transport.ChatTarget{ChatID: 1}, "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Send(ctx, transport.ChatTarget{ChatID: 1}, "second")
	require.Error(t, err)
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestApplyUpdatesLimits(t *testing.T) {
	t.Parallel()
	d := New(Config{}, &fakeSender{}, logx.Nop())
	assert.Equal(t, DefaultChunkLimit, d.Config().ChunkLimit)
	assert.Equal(t, defaultSendTimeout, d.Config().SendTimeout)

	d.Apply(Config{ChunkLimit: 1000, RatePerSec: 5})
	cfg := d.Config()
	assert.Equal(t, 1000, cfg.ChunkLimit)
	assert.Equal(t, 5, cfg.Burst)
}

func TestApplyKeepsSpentTokens(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(Config{RatePerSec: 0.5, Burst: 1}, s, logx.Nop())
	dest := transport.ChatTarget{ChatID: 1}
	require.NoError(t, d.Send(context.Background(), dest, "first"))

	// A reload with the same rate must not refill the bucket.
	d.Apply(Config{ChunkLimit: 500, RatePerSec: 0.5, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Send(ctx, dest, "too soon"))

	// A faster rate applies to the next send.
	d.Apply(Config{RatePerSec: 1000, Burst: 10})
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, d.Send(ctx2, dest, "second"))
	assert.Equal(t, []string{"first", "second"}, s.texts)
}

func TestNoSender(t *testing.T) {
	t.Parallel()
	d := New(Config{}, nil, logx.Nop())
	assert.ErrorIs(t, d.Send(context.Background(), transport.ChatTarget{ChatID: 1}, "x"), ErrNoSender)
}
