package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionRecord is the persisted conversation state of one user in one chat.
type SessionRecord struct {
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	UserID    int64     `json:"user_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sessions keeps conversation state next to the subscriptions so a restart
// resumes each chat where it stopped. Every store returned by Open
// implements it.
type Sessions interface {
	// SaveSession inserts or replaces the record for (ChatID, UserID).
	SaveSession(ctx context.Context, rec SessionRecord) error
	// DeleteSession is a no-op when nothing is stored for the pair.
	DeleteSession(ctx context.Context, chatID, userID int64) error
	LoadSessions(ctx context.Context) ([]SessionRecord, error)
}

var (
	_ Sessions = (*memStore)(nil)
	_ Sessions = (*fileStore)(nil)
	_ Sessions = (*sqliteStore)(nil)
	_ Sessions = (*badgerStore)(nil)
)

type sessionPair [2]int64

// sessionTable is the in-memory session map of the memory and file drivers.
type sessionTable struct {
	mu sync.RWMutex
	m  map[sessionPair]SessionRecord
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: map[sessionPair]SessionRecord{}}
}

func (t *sessionTable) save(rec SessionRecord) {
	t.mu.Lock()
	t.m[sessionPair{rec.ChatID, rec.UserID}] = rec
	t.mu.Unlock()
}

func (t *sessionTable) delete(chatID, userID int64) {
	t.mu.Lock()
	delete(t.m, sessionPair{chatID, userID})
	t.mu.Unlock()
}

func (t *sessionTable) list() []SessionRecord {
	t.mu.RLock()
	out := make([]SessionRecord, 0, len(t.m))
	for _, rec := range t.m {
		out = append(out, rec)
	}
	t.mu.RUnlock()
	sortSessions(out)
	return out
}

func sortSessions(recs []SessionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ChatID != recs[j].ChatID {
			return recs[i].ChatID < recs[j].ChatID
		}
		return recs[i].UserID < recs[j].UserID
	})
}
