package subscription

import (
	"context"
	"iter"
	"time"

	"cupwatch/internal/task/scheduler"
	"cupwatch/internal/transport"
)

// Store is the system of record for subscriptions. Implementations must be
// safe for concurrent use and return copies (callers may mutate results).
type Store interface {
	// Put fails with ErrAlreadyExists when sub.ID is present. The store
	// assigns Seq.
	Put(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, id ID) (Subscription, error)
	// Remove deletes id and returns the removed value.
	Remove(ctx context.Context, id ID) (Subscription, error)
	// AppendFilter appends text to the filters of id atomically.
	AppendFilter(ctx context.Context, id ID, text string) (Subscription, error)
	// ListByUser yields the user's subscriptions in insertion order. Every
	// range over the sequence re-reads the store.
	ListByUser(ctx context.Context, userID int64) iter.Seq2[ID, Subscription]
	// All yields every subscription in insertion order. Read failures are
	// yielded as errors, after whatever did load.
	All(ctx context.Context) iter.Seq2[Subscription, error]
	Close() error
}

// Fetcher queries the upstream availability source. It may take tens of
// seconds and must honour ctx. Failures should be *FetchError values;
// anything else is treated as KindFetchFailure.
type Fetcher interface {
	Fetch(ctx context.Context, subjectID, requestID string) ([]Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, subjectID, requestID string) ([]Record, error)

func (f FetcherFunc) Fetch(ctx context.Context, subjectID, requestID string) ([]Record, error) {
	return f(ctx, subjectID, requestID)
}

// Scheduler is the subset of *scheduler.Service the manager needs.
type Scheduler interface {
	Schedule(name string, period, initialDelay time.Duration, action func(ctx context.Context) error) (*scheduler.Handle, error)
	Cancel(h *scheduler.Handle)
}

// Notifier formats and sends outbound messages.
type Notifier interface {
	// Deliver sends header plus numbered lines, chunked, in order.
	Deliver(ctx context.Context, dest transport.ChatTarget, header string, lines []string) error
	// Send sends a single text message.
	Send(ctx context.Context, dest transport.ChatTarget, text string) error
}
