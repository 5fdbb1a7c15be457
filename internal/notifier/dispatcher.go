package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

var ErrNoSender = errors.New("notifier: no sender configured")

// Dispatcher sends chunked notifications and single messages through a
// transport.Sender. It is safe for concurrent use. There are no retries: a
// failed send is logged, counted and reported to the caller.
type Dispatcher struct {
	log    logx.Logger
	sender transport.Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sent   atomic.Uint64
	failed atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, sender: sender}
	d.applyLocked(cfg)
	return d
}

// Apply swaps chunking and rate settings. The limiter is retuned in place:
// tokens already spent stay spent, and a send already waiting keeps the
// slot it reserved. Later sends use the new rate.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(cfg)
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		d.limiter.SetBurst(cfg.Burst)
	}
	d.cfg = cfg
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Deliver chunks header and lines and sends every chunk to dest in order.
// Failed chunks do not stop later ones; their errors are joined.
func (d *Dispatcher) Deliver(ctx context.Context, dest transport.ChatTarget, header string, lines []string) error {
	cfg := d.Config()
	chunks := Chunk(header, lines, cfg.ChunkLimit)

	var errs []error
	for i, text := range chunks {
		if err := d.send(ctx, dest, text, nil); err != nil {
			d.log.Warn("chunk not delivered",
				logx.Int64("chat_id", dest.ChatID),
				logx.Int("chunk", i+1),
				logx.Int("chunks", len(chunks)),
				logx.Err(err),
			)
			errs = append(errs, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Send delivers a single message without chunking.
func (d *Dispatcher) Send(ctx context.Context, dest transport.ChatTarget, text string) error {
	return d.SendWith(ctx, dest, text, nil)
}

// SendWith is Send with transport options (reply keyboards, previews).
func (d *Dispatcher) SendWith(ctx context.Context, dest transport.ChatTarget, text string, opt *transport.SendOptions) error {
	err := d.send(ctx, dest, text, opt)
	if err != nil {
		d.log.Debug("send failed", logx.Int64("chat_id", dest.ChatID), logx.Err(err))
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, dest transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if d.sender == nil {
		return ErrNoSender
	}
	d.mu.Lock()
	lim := d.limiter
	timeout := d.cfg.SendTimeout
	d.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		d.failed.Add(1)
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := d.sender.SendText(callCtx, dest, text, opt)
	d.record(dest, text, err)
	return err
}

func (d *Dispatcher) record(dest transport.ChatTarget, text string, err error) {
	item := HistoryItem{At: time.Now(), ChatID: dest.ChatID, Runes: utf8.RuneCountInString(text)}
	if err != nil {
		d.failed.Add(1)
		item.Error = err.Error()
	} else {
		d.sent.Add(1)
	}
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.hmu.Unlock()
}

// Recent returns the latest sends, oldest first.
func (d *Dispatcher) Recent() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load()}
}
