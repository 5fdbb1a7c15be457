package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"cupwatch/internal/subscription"
	"cupwatch/pkg/logx"
)

const (
	badgerSubPrefix     = "sub/"
	badgerSessionPrefix = "sess/"
	badgerSeqKey        = "seq/subscriptions"
	badgerRetries       = 5
)

// badgerStore keys records as sub/<user>/<len(subject)>:<subject>/<request>
// with a JSON value. The length prefix keeps identifiers containing '/'
// apart. Listing order comes from Seq, leased from a badger sequence.
type badgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log logx.Logger

	// wmu serializes read-modify-write transactions.
	wmu sync.Mutex
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("badger directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log: log.With(logx.String("comp", "badger"))}).
		WithLoggingLevel(badger.WARNING)
	return newBadgerStore(opts, log)
}

func newBadgerStore(opts badger.Options, log logx.Logger) (*badgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(badgerSeqKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &badgerStore{db: db, seq: seq, log: log}, nil
}

func badgerKey(id subscription.ID) []byte {
	key := badgerUserPrefix(id.UserID)
	key = strconv.AppendInt(key, int64(len(id.SubjectID)), 10)
	key = append(key, ':')
	key = append(key, id.SubjectID...)
	key = append(key, '/')
	return append(key, id.RequestID...)
}

func badgerUserPrefix(userID int64) []byte {
	return []byte(badgerSubPrefix + strconv.FormatInt(userID, 10) + "/")
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *badgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	var err error
	for range badgerRetries {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getSub(txn *badger.Txn, id subscription.ID) (subscription.Subscription, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return subscription.Subscription{}, ErrNotFound
	}
	if err != nil {
		return subscription.Subscription{}, err
	}
	var sub subscription.Subscription
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &sub) })
	sub.Filters = nonNil(sub.Filters)
	return sub, err
}

func setSub(txn *badger.Txn, sub subscription.Subscription) error {
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return txn.Set(badgerKey(sub.ID), b)
}

func (s *badgerStore) Put(ctx context.Context, sub subscription.Subscription) error {
	sub = sub.Clone()
	sub.Filters = nonNil(sub.Filters)
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := getSub(txn, sub.ID); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		n, err := s.seq.Next()
		if err != nil {
			return err
		}
		sub.Seq = n + 1
		return setSub(txn, sub)
	})
}

func (s *badgerStore) Get(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	var sub subscription.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sub, err = getSub(txn, id)
		return err
	})
	return sub, err
}

func (s *badgerStore) Remove(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	var sub subscription.Subscription
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		if sub, err = getSub(txn, id); err != nil {
			return err
		}
		return txn.Delete(badgerKey(id))
	})
	return sub, err
}

func (s *badgerStore) AppendFilter(ctx context.Context, id subscription.ID, text string) (subscription.Subscription, error) {
	var sub subscription.Subscription
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		if sub, err = getSub(txn, id); err != nil {
			return err
		}
		sub.Filters = append(sub.Filters, text)
		return setSub(txn, sub)
	})
	return sub, err
}

func (s *badgerStore) ListByUser(ctx context.Context, userID int64) iter.Seq2[subscription.ID, subscription.Subscription] {
	return yieldAll(ctx, func() []subscription.Subscription {
		subs, err := s.scan(badgerUserPrefix(userID))
		if err != nil {
			s.log.Warn("badger user scan incomplete", logx.Int64("user", userID), logx.Err(err))
		}
		return subs
	})
}

func (s *badgerStore) All(ctx context.Context) iter.Seq2[subscription.Subscription, error] {
	return yieldChecked(ctx, func() ([]subscription.Subscription, error) { return s.scan([]byte(badgerSubPrefix)) })
}

// scan returns every readable record under prefix. Undecodable records are
// skipped and reported in the joined error.
func (s *badgerStore) scan(prefix []byte) ([]subscription.Subscription, error) {
	var (
		out  []subscription.Subscription
		errs []error
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sub subscription.Subscription
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &sub) }); err != nil {
				errs = append(errs, fmt.Errorf("badger record %q: %w", it.Item().Key(), err))
				continue
			}
			sub.Filters = nonNil(sub.Filters)
			out = append(out, sub)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("badger scan: %w", err))
	}
	sortBySeq(out)
	return out, errors.Join(errs...)
}

func badgerSessionKey(chatID, userID int64) []byte {
	key := append([]byte(badgerSessionPrefix), strconv.FormatInt(chatID, 10)...)
	key = append(key, '/')
	return strconv.AppendInt(key, userID, 10)
}

func (s *badgerStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(badgerSessionKey(rec.ChatID, rec.UserID), b)
	})
}

func (s *badgerStore) DeleteSession(ctx context.Context, chatID, userID int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(badgerSessionKey(chatID, userID))
	})
}

func (s *badgerStore) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	var out []SessionRecord
	prefix := []byte(badgerSessionPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec SessionRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("badger session %q: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	sortSessions(out)
	return out, err
}

func (s *badgerStore) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

type badgerLogger struct{ log logx.Logger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.log.Trace(strings.TrimSpace(fmt.Sprintf(f, v...))) }
