package storage

import (
	"context"
	"iter"

	"cupwatch/internal/subscription"
)

type memStore struct {
	idx      *index
	sessions *sessionTable
}

// NewMemory returns a non-persistent store.
func NewMemory() Store {
	return &memStore{idx: newIndex(), sessions: newSessionTable()}
}

func (s *memStore) Put(ctx context.Context, sub subscription.Subscription) error {
	_, err := s.idx.put(sub)
	return err
}

func (s *memStore) Get(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	return s.idx.get(id)
}

func (s *memStore) Remove(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	return s.idx.remove(id)
}

func (s *memStore) AppendFilter(ctx context.Context, id subscription.ID, text string) (subscription.Subscription, error) {
	return s.idx.appendFilter(id, text)
}

func (s *memStore) ListByUser(ctx context.Context, userID int64) iter.Seq2[subscription.ID, subscription.Subscription] {
	return s.idx.seq(ctx, byUser(userID))
}

func (s *memStore) All(ctx context.Context) iter.Seq2[subscription.Subscription, error] {
	return s.idx.all(ctx)
}

func (s *memStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	s.sessions.save(rec)
	return nil
}

func (s *memStore) DeleteSession(ctx context.Context, chatID, userID int64) error {
	s.sessions.delete(chatID, userID)
	return nil
}

func (s *memStore) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	return s.sessions.list(), nil
}

func (s *memStore) Close() error { return nil }
