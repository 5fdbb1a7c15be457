package storage

import (
	"context"
	"iter"
	"sort"
	"sync"

	"cupwatch/internal/subscription"
)

// index is the in-memory table shared by the memory and file drivers.
type index struct {
	mu      sync.RWMutex
	subs    map[subscription.ID]subscription.Subscription
	lastSeq uint64
}

func newIndex() *index {
	return &index{subs: map[subscription.ID]subscription.Subscription{}}
}

// load inserts or replaces sub keeping its Seq.
func (x *index) load(sub subscription.Subscription) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.subs[sub.ID] = sub.Clone()
	if sub.Seq > x.lastSeq {
		x.lastSeq = sub.Seq
	}
}

func (x *index) nextSeq() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lastSeq + 1
}

func (x *index) put(sub subscription.Subscription) (subscription.Subscription, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.subs[sub.ID]; ok {
		return subscription.Subscription{}, ErrAlreadyExists
	}
	x.lastSeq++
	sub = sub.Clone()
	sub.Seq = x.lastSeq
	x.subs[sub.ID] = sub
	return sub.Clone(), nil
}

func (x *index) get(id subscription.ID) (subscription.Subscription, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	sub, ok := x.subs[id]
	if !ok {
		return subscription.Subscription{}, ErrNotFound
	}
	return sub.Clone(), nil
}

func (x *index) has(id subscription.ID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.subs[id]
	return ok
}

func (x *index) remove(id subscription.ID) (subscription.Subscription, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sub, ok := x.subs[id]
	if !ok {
		return subscription.Subscription{}, ErrNotFound
	}
	delete(x.subs, id)
	return sub, nil
}

// appendFilter replaces the filter slice instead of appending in place so
// copies handed out earlier never observe the write.
func (x *index) appendFilter(id subscription.ID, text string) (subscription.Subscription, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sub, ok := x.subs[id]
	if !ok {
		return subscription.Subscription{}, ErrNotFound
	}
	filters := make([]string, 0, len(sub.Filters)+1)
	filters = append(append(filters, sub.Filters...), text)
	sub.Filters = filters
	x.subs[id] = sub
	return sub.Clone(), nil
}

// collect returns copies of the matching subscriptions ordered by Seq.
func (x *index) collect(match func(subscription.ID) bool) []subscription.Subscription {
	x.mu.RLock()
	out := make([]subscription.Subscription, 0, len(x.subs))
	for id, sub := range x.subs {
		if match == nil || match(id) {
			out = append(out, sub.Clone())
		}
	}
	x.mu.RUnlock()
	sortBySeq(out)
	return out
}

func (x *index) seq(ctx context.Context, match func(subscription.ID) bool) iter.Seq2[subscription.ID, subscription.Subscription] {
	return yieldAll(ctx, func() []subscription.Subscription { return x.collect(match) })
}

// yieldAll adapts a snapshot loader into a restartable sequence. The
// snapshot is taken when ranging starts, so callers may use the store
// while iterating.
func yieldAll(ctx context.Context, load func() []subscription.Subscription) iter.Seq2[subscription.ID, subscription.Subscription] {
	return func(yield func(subscription.ID, subscription.Subscription) bool) {
		for _, sub := range load() {
			if ctx.Err() != nil {
				return
			}
			if !yield(sub.ID, sub) {
				return
			}
		}
	}
}

// yieldChecked is yieldAll for listings that can fail. Records that did
// load are yielded first, then the load error, so a caller never mistakes
// a partial listing for a complete one.
func yieldChecked(ctx context.Context, load func() ([]subscription.Subscription, error)) iter.Seq2[subscription.Subscription, error] {
	return func(yield func(subscription.Subscription, error) bool) {
		subs, err := load()
		for _, sub := range subs {
			if cerr := ctx.Err(); cerr != nil {
				yield(subscription.Subscription{}, cerr)
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
		if err != nil {
			yield(subscription.Subscription{}, err)
		}
	}
}

func (x *index) all(ctx context.Context) iter.Seq2[subscription.Subscription, error] {
	return yieldChecked(ctx, func() ([]subscription.Subscription, error) { return x.collect(nil), nil })
}

func sortBySeq(subs []subscription.Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].Seq < subs[j].Seq })
}

func byUser(userID int64) func(subscription.ID) bool {
	return func(id subscription.ID) bool { return id.UserID == userID }
}
