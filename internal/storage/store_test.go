package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupwatch/internal/subscription"
	"cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

type driverCase struct {
	name string
	cfg  func(dir string) Config
}

var drivers = []driverCase{
	{"memory", func(string) Config { return Config{Driver: "memory"} }},
	{"file", func(dir string) Config { return Config{Driver: "file", Path: filepath.Join(dir, "cupwatch"), CompactEvery: 3} }},
	{"sqlite", func(dir string) Config { return Config{Driver: "sqlite", Path: filepath.Join(dir, "cupwatch.db")} }},
	{"badger", func(dir string) Config { return Config{Driver: "badger", Path: filepath.Join(dir, "badger")} }},
}

func openTest(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	return st
}

func newSub(user int64, subject, request string) subscription.Subscription {
	return subscription.Subscription{
		ID:          subscription.NewID(user, subject, request),
		Destination: transport.ChatTarget{ChatID: user * 10},
		Filters:     []string{},
		CreatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func collect(seq func(func(subscription.ID, subscription.Subscription) bool)) []subscription.Subscription {
	var out []subscription.Subscription
	for _, s := range seq {
		out = append(out, s)
	}
	return out
}

func collectAll(t *testing.T, seq func(func(subscription.Subscription, error) bool)) []subscription.Subscription {
	t.Helper()
	var out []subscription.Subscription
	for s, err := range seq {
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, d.cfg(t.TempDir()))
			defer st.Close()

			a := newSub(1, "rssmra80a01h501u", "nre-1")
			require.NoError(t, st.Put(ctx, a))
			assert.ErrorIs(t, st.Put(ctx, a), ErrAlreadyExists)

			got, err := st.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "RSSMRA80A01H501U", got.ID.SubjectID)
			assert.Equal(t, int64(10), got.Destination.ChatID)
			assert.Empty(t, got.Filters)
			assert.NotZero(t, got.Seq)

			_, err = st.Get(ctx, subscription.NewID(1, "x", "y"))
			assert.ErrorIs(t, err, ErrNotFound)

			updated, err := st.AppendFilter(ctx, a.ID, "Cardiologia")
			require.NoError(t, err)
			assert.Equal(t, []string{"Cardiologia"}, updated.Filters)
			updated, err = st.AppendFilter(ctx, a.ID, "Cardiologia")
			require.NoError(t, err)
			assert.Equal(t, []string{"Cardiologia", "Cardiologia"}, updated.Filters)

			_, err = st.AppendFilter(ctx, subscription.NewID(9, "x", "y"), "f")
			assert.ErrorIs(t, err, ErrNotFound)

			removed, err := st.Remove(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"Cardiologia", "Cardiologia"}, removed.Filters)
			_, err = st.Remove(ctx, a.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.Get(ctx, a.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreKeepsSlashedIdentifiersApart(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, d.cfg(t.TempDir()))
			defer st.Close()

			ab := newSub(1, "A/B", "C")
			bc := newSub(1, "A", "B/C")
			require.NoError(t, st.Put(ctx, ab))
			require.NoError(t, st.Put(ctx, bc))
			_, err := st.AppendFilter(ctx, ab.ID, "only-ab")
			require.NoError(t, err)

			got, err := st.Get(ctx, ab.ID)
			require.NoError(t, err)
			assert.Equal(t, ab.ID, got.ID)
			assert.Equal(t, []string{"only-ab"}, got.Filters)
			got, err = st.Get(ctx, bc.ID)
			require.NoError(t, err)
			assert.Equal(t, bc.ID, got.ID)
			assert.Empty(t, got.Filters)

			assert.Len(t, collect(st.ListByUser(ctx, 1)), 2)
			_, err = st.Remove(ctx, bc.ID)
			require.NoError(t, err)
			_, err = st.Get(ctx, ab.ID)
			assert.NoError(t, err)
		})
	}
}

func TestAllReportsUnreadableRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	corrupt := map[string]func(t *testing.T, st Store, id subscription.ID){
		"sqlite": func(t *testing.T, st Store, id subscription.ID) {
			_, err := st.(*sqliteStore).db.ExecContext(ctx,
				`UPDATE subscriptions SET filters = 'not json' WHERE subject_id = ?`, id.SubjectID)
			require.NoError(t, err)
		},
		"badger": func(t *testing.T, st Store, id subscription.ID) {
			err := st.(*badgerStore).db.Update(func(txn *badger.Txn) error {
				return txn.Set(badgerKey(id), []byte("{"))
			})
			require.NoError(t, err)
		},
	}
	for _, d := range drivers {
		fn, ok := corrupt[d.name]
		if !ok {
			continue
		}
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, d.cfg(t.TempDir()))
			defer st.Close()

			good, bad := newSub(1, "good", "r"), newSub(1, "bad", "r")
			require.NoError(t, st.Put(ctx, good))
			require.NoError(t, st.Put(ctx, bad))
			fn(t, st, bad.ID)

			var (
				subs []subscription.Subscription
				errs []error
			)
			for sub, err := range st.All(ctx) {
				if err != nil {
					errs = append(errs, err)
					continue
				}
				subs = append(subs, sub)
			}
			require.Len(t, subs, 1)
			assert.Equal(t, good.ID, subs[0].ID)
			assert.Len(t, errs, 1)

			// The per-user listing still serves what it can read.
			assert.Len(t, collect(st.ListByUser(ctx, 1)), 1)
		})
	}
}

func TestStoreListingOrder(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, d.cfg(t.TempDir()))
			defer st.Close()

			// User 1 and 12 share a key prefix in naive encodings.
			for _, s := range []subscription.Subscription{
				newSub(1, "c", "3"), newSub(12, "z", "9"), newSub(1, "a", "1"), newSub(1, "b", "2"),
			} {
				require.NoError(t, st.Put(ctx, s))
			}

			seq := st.ListByUser(ctx, 1)
			first := collect(seq)
			require.Len(t, first, 3)
			assert.Equal(t, []string{"C", "A", "B"}, []string{first[0].ID.SubjectID, first[1].ID.SubjectID, first[2].ID.SubjectID})

			// Restartable: ranging again sees later writes.
			_, err := st.Remove(ctx, subscription.NewID(1, "a", "1"))
			require.NoError(t, err)
			assert.Len(t, collect(seq), 2)

			assert.Empty(t, collect(st.ListByUser(ctx, 99)))
			assert.Len(t, collectAll(t, st.All(ctx)), 3)

			// Early break is honoured.
			n := 0
			for range st.All(ctx) {
				n++
				break
			}
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, d.cfg(t.TempDir()))
			defer st.Close()

			// Same identity from many goroutines: exactly one wins.
			var ok atomic.Int32
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if st.Put(ctx, newSub(7, "s", "r")) == nil {
						ok.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), ok.Load())

			// Concurrent filter appends on one ID and puts for other users.
			id := subscription.NewID(7, "s", "r")
			for i := range 10 {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := st.AppendFilter(ctx, id, fmt.Sprintf("f%d", i))
					assert.NoError(t, err)
				}()
				go func() {
					defer wg.Done()
					assert.NoError(t, st.Put(ctx, newSub(int64(100+i), "s", "r")))
				}()
			}
			wg.Wait()

			got, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Len(t, got.Filters, 10)
			assert.Len(t, collectAll(t, st.All(ctx)), 11)
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, d := range drivers[1:] {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := d.cfg(t.TempDir())

			st := openTest(t, cfg)
			for i := range 5 {
				require.NoError(t, st.Put(ctx, newSub(1, fmt.Sprintf("s%d", i), "r")))
			}
			_, err := st.AppendFilter(ctx, subscription.NewID(1, "s0", "r"), "Oculistica")
			require.NoError(t, err)
			_, err = st.Remove(ctx, subscription.NewID(1, "s2", "r"))
			require.NoError(t, err)
			require.NoError(t, st.Close())

			st = openTest(t, cfg)
			defer st.Close()
			subs := collect(st.ListByUser(ctx, 1))
			require.Len(t, subs, 4)
			assert.Equal(t, "S0", subs[0].ID.SubjectID)
			assert.Equal(t, []string{"Oculistica"}, subs[0].Filters)
			assert.Equal(t, "S4", subs[3].ID.SubjectID)

			// New records sort after the reloaded ones.
			require.NoError(t, st.Put(ctx, newSub(1, "late", "r")))
			subs = collect(st.ListByUser(ctx, 1))
			assert.Equal(t, "LATE", subs[len(subs)-1].ID.SubjectID)
		})
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := d.cfg(t.TempDir())
			at := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)

			st := openTest(t, cfg)
			ss, ok := st.(Sessions)
			require.True(t, ok)
			recs := []SessionRecord{
				{ChatID: -100, ThreadID: 4, UserID: 7, SubjectID: "RSSMRA80A01H501U", State: "await_request", UpdatedAt: at},
				{ChatID: 5, UserID: 5, SubjectID: "A", RequestID: "B", State: "command", UpdatedAt: at},
				{ChatID: 6, UserID: 6, State: "await_subject", UpdatedAt: at},
			}
			for _, rec := range recs {
				require.NoError(t, ss.SaveSession(ctx, rec))
			}
			// Replace and delete.
			recs[1].State = "await_filter"
			require.NoError(t, ss.SaveSession(ctx, recs[1]))
			require.NoError(t, ss.DeleteSession(ctx, 6, 6))
			require.NoError(t, ss.DeleteSession(ctx, 42, 42))

			got, err := ss.LoadSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, recs[:2], got)

			if d.name == "memory" {
				return
			}
			require.NoError(t, st.Close())
			st = openTest(t, cfg)
			defer st.Close()
			got, err = st.(Sessions).LoadSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, recs[:2], got)
		})
	}
}

func TestFileStoreReplaysJournalWithoutCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "subs.json"), CompactEvery: 1000}

	st := openTest(t, cfg)
	require.NoError(t, st.Put(ctx, newSub(3, "a", "b")))
	_, err := st.AppendFilter(ctx, subscription.NewID(3, "a", "b"), "x")
	require.NoError(t, err)
	// Simulate a crash: drop the store without Close (no final compaction).
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Close())

	st = openTest(t, cfg)
	defer st.Close()
	got, err := st.Get(ctx, subscription.NewID(3, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.Filters)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}
