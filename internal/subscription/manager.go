package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cupwatch/internal/eventbus"
	"cupwatch/internal/task/scheduler"
	"cupwatch/pkg/logx"
)

const (
	DefaultPeriod       = 30 * time.Minute
	DefaultInitialDelay = 60 * time.Second
)

type Config struct {
	// Period between checks; <= 0 selects DefaultPeriod.
	Period time.Duration
	// InitialDelay before the first check; 0 fires right away, < 0 selects
	// DefaultInitialDelay.
	InitialDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	return c
}

type Deps struct {
	Store     Store
	Scheduler Scheduler
	Fetcher   Fetcher
	Notifier  Notifier
	// Bus is optional.
	Bus eventbus.Bus
}

// EventData is the payload of subscription events on the bus.
type EventData struct {
	ID      ID
	Records int
	Matches int
	// Kind is the FetchKind name for CheckFailed events.
	Kind string
	Err  string
}

// Manager enforces "at most one subscription per ID" and "exactly one live
// timer per active subscription". Operations on the same ID are serialized;
// operations on different IDs run concurrently.
type Manager struct {
	store Store
	sched Scheduler
	fetch Fetcher
	notif Notifier
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	locks *keyLocks

	mu      sync.Mutex
	cfg     Config
	handles map[ID]*scheduler.Handle
}

func NewManager(cfg Config, deps Deps, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:   deps.Store,
		sched:   deps.Scheduler,
		fetch:   deps.Fetcher,
		notif:   deps.Notifier,
		bus:     deps.Bus,
		log:     log,
		now:     time.Now,
		locks:   newKeyLocks(),
		cfg:     cfg.withDefaults(),
		handles: map[ID]*scheduler.Handle{},
	}
}

// SetConfig changes the period and initial delay used for timers armed from
// now on. Running timers keep their period.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Subscribe creates the subscription for sess and starts its background
// checks. If the timer cannot be armed the record is rolled back.
func (m *Manager) Subscribe(ctx context.Context, sess Session) (Subscription, error) {
	id := sess.ID()
	if !id.Valid() {
		return Subscription{}, ErrIncompleteSession
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	sub := Subscription{
		ID:          id,
		Destination: sess.Destination,
		Filters:     []string{},
		CreatedAt:   m.now(),
	}
	if err := m.store.Put(ctx, sub); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Subscription{}, fmt.Errorf("%w: %s %s", ErrDuplicateSubscription, id.SubjectID, id.RequestID)
		}
		return Subscription{}, fmt.Errorf("persist subscription %s: %w", id, err)
	}

	if err := m.arm(id, m.config().InitialDelay); err != nil {
		if _, rerr := m.store.Remove(context.WithoutCancel(ctx), id); rerr != nil {
			m.log.Error("rollback failed; subscription has no timer", logx.String("id", id.String()), logx.Err(rerr))
		}
		return Subscription{}, fmt.Errorf("schedule subscription %s: %w", id, err)
	}

	if stored, err := m.store.Get(ctx, id); err == nil {
		sub = stored
	}
	m.log.Info("subscription created", logx.String("id", id.String()))
	m.publish(eventbus.SubscriptionCreated, EventData{ID: id})
	return sub, nil
}

// AddFilter appends text (trimmed) to the subscription's filters. The next
// tick picks it up.
func (m *Manager) AddFilter(ctx context.Context, sess Session, text string) (Subscription, error) {
	id := sess.ID()
	text = strings.TrimSpace(text)
	if text == "" {
		return Subscription{}, ErrEmptyFilter
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	sub, err := m.store.AppendFilter(ctx, id, text)
	if err != nil {
		return Subscription{}, m.mapNotFound(id, err)
	}
	m.log.Debug("filter added", logx.String("id", id.String()), logx.Int("filters", len(sub.Filters)))
	m.publish(eventbus.SubscriptionFiltered, EventData{ID: id})
	return sub, nil
}

// Cancel stops the subscription's timer and then removes the record. A check
// already running completes; no new check starts.
func (m *Manager) Cancel(ctx context.Context, sess Session) (Subscription, error) {
	id := sess.ID()
	unlock := m.locks.Lock(id)
	defer unlock()

	if _, err := m.store.Get(ctx, id); err != nil {
		return Subscription{}, m.mapNotFound(id, err)
	}

	m.disarm(id)
	removed, err := m.store.Remove(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			// Still persisted: restore its timer.
			if aerr := m.arm(id, m.config().InitialDelay); aerr != nil {
				m.log.Error("re-arm after failed remove", logx.String("id", id.String()), logx.Err(aerr))
			}
		}
		return Subscription{}, m.mapNotFound(id, err)
	}

	m.log.Info("subscription canceled", logx.String("id", id.String()))
	m.publish(eventbus.SubscriptionCanceled, EventData{ID: id})
	return removed, nil
}

// List returns the user's subscriptions in insertion order.
func (m *Manager) List(ctx context.Context, userID int64) []Subscription {
	out := []Subscription{}
	for _, sub := range m.store.ListByUser(ctx, userID) {
		out = append(out, sub)
	}
	return out
}

// CheckNow fetches availability for sess right away. Filters of an existing
// subscription are applied; without one every record is returned.
func (m *Manager) CheckNow(ctx context.Context, sess Session) (CheckResult, error) {
	id := sess.ID()
	res := CheckResult{ID: id}
	if !id.Valid() {
		return res, ErrIncompleteSession
	}

	sub, err := m.store.Get(ctx, id)
	switch {
	case err == nil:
		res.Subscribed = true
		res.Filters = sub.Filters
	case !errors.Is(err, ErrNotFound):
		return res, fmt.Errorf("load subscription %s: %w", id, err)
	}

	recs, err := m.fetch.Fetch(ctx, id.SubjectID, id.RequestID)
	if err != nil {
		return res, ClassifyFetchError(err)
	}
	res.Total = len(recs)
	res.Lines = renderLines(Filter(recs, res.Filters))
	return res, nil
}

// Restore arms one timer per persisted subscription that has none. It is
// run once at startup; first firings are spread over up to 30s.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	cfg := m.config()
	var (
		n    int
		errs []error
	)
	for sub, err := range m.store.All(ctx) {
		if cerr := ctx.Err(); cerr != nil {
			return n, cerr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore list: %w", err))
			continue
		}
		id := sub.ID
		unlock := m.locks.Lock(id)
		if !m.Armed(id) {
			delay := cfg.InitialDelay + scheduler.Spread(checkName(id), cfg.Period)
			if err := m.arm(id, delay); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
			} else {
				n++
				m.publish(eventbus.SubscriptionRestored, EventData{ID: id})
			}
		}
		unlock()
	}
	m.log.Info("subscriptions restored", logx.Int("count", n), logx.Int("failed", len(errs)))
	return n, errors.Join(errs...)
}

// Close cancels every live timer. Records stay persisted for the next Restore.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	hs := m.handles
	m.handles = map[ID]*scheduler.Handle{}
	m.mu.Unlock()
	for _, h := range hs {
		m.sched.Cancel(h)
	}
	m.log.Debug("manager closed", logx.Int("timers", len(hs)))
	return ctx.Err()
}

// Armed reports whether id currently has a live timer.
func (m *Manager) Armed(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[id]
	return ok
}

// ArmedCount returns the number of live timers.
func (m *Manager) ArmedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) arm(id ID, delay time.Duration) error {
	h, err := m.sched.Schedule(checkName(id), m.config().Period, delay, func(ctx context.Context) error {
		return m.check(ctx, id)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	old := m.handles[id]
	m.handles[id] = h
	m.mu.Unlock()
	if old != nil {
		m.sched.Cancel(old)
	}
	return nil
}

func (m *Manager) disarm(id ID) {
	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if h != nil {
		m.sched.Cancel(h)
	}
}

func (m *Manager) mapNotFound(id ID, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrSubscriptionNotFound, id.SubjectID, id.RequestID)
	}
	return fmt.Errorf("subscription %s: %w", id, err)
}

func (m *Manager) publish(typ string, data EventData) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func checkName(id ID) string { return "check:" + id.String() }
