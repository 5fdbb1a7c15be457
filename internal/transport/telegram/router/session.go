package router

import (
	"sync"
	"time"

	"cupwatch/internal/storage"
	"cupwatch/internal/subscription"
	"cupwatch/internal/transport"
)

// State is the step a chat is at in the conversation.
type State int

const (
	// StateIdle: no conversation in progress. Only /start, /list and /help work.
	StateIdle State = iota
	StateAwaitSubject
	StateAwaitRequest
	// StateCommand: subject and request are known; subscription commands work.
	StateCommand
	StateAwaitFilter
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitSubject:
		return "await_subject"
	case StateAwaitRequest:
		return "await_request"
	case StateCommand:
		return "command"
	case StateAwaitFilter:
		return "await_filter"
	default:
		return "unknown"
	}
}

func parseState(s string) (State, bool) {
	for st := StateIdle; st <= StateAwaitFilter; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StateIdle, false
}

// UserSession is the conversation state of one user in one chat. The router
// owns it; commands receive a copy.
type UserSession struct {
	ChatID    int64
	ThreadID  int
	UserID    int64
	SubjectID string
	RequestID string
	State     State
	UpdatedAt time.Time
}

// Session converts the conversation state into the identity subscription
// commands act on. Replies and notifications go back to the same chat.
func (s UserSession) Session() subscription.Session {
	return subscription.Session{
		UserID:      s.UserID,
		SubjectID:   s.SubjectID,
		RequestID:   s.RequestID,
		Destination: transport.ChatTarget{ChatID: s.ChatID, ThreadID: s.ThreadID},
	}
}

// Ready reports whether both identifiers have been collected.
func (s UserSession) Ready() bool {
	return s.SubjectID != "" && s.RequestID != ""
}

func (s UserSession) record() storage.SessionRecord {
	return storage.SessionRecord{
		ChatID:    s.ChatID,
		ThreadID:  s.ThreadID,
		UserID:    s.UserID,
		SubjectID: s.SubjectID,
		RequestID: s.RequestID,
		State:     s.State.String(),
		UpdatedAt: s.UpdatedAt,
	}
}

func sessionFromRecord(rec storage.SessionRecord) (UserSession, bool) {
	st, ok := parseState(rec.State)
	if !ok {
		return UserSession{}, false
	}
	return UserSession{
		ChatID:    rec.ChatID,
		ThreadID:  rec.ThreadID,
		UserID:    rec.UserID,
		SubjectID: rec.SubjectID,
		RequestID: rec.RequestID,
		State:     st,
		UpdatedAt: rec.UpdatedAt,
	}, true
}

type sessionKey struct {
	chatID int64
	userID int64
}

// sessionStore holds live conversations. Keys changed since the last flush
// are tracked in dirty so they can be written behind the dispatch loop.
type sessionStore struct {
	mu    sync.Mutex
	m     map[sessionKey]*UserSession
	dirty map[sessionKey]struct{}
	now   func() time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		m:     map[sessionKey]*UserSession{},
		dirty: map[sessionKey]struct{}{},
		now:   time.Now,
	}
}

// load installs a persisted session without marking it dirty.
func (s *sessionStore) load(sess UserSession) {
	s.mu.Lock()
	s.m[sessionKey{chatID: sess.ChatID, userID: sess.UserID}] = &sess
	s.mu.Unlock()
}

func (s *sessionStore) markDirty(k sessionKey) {
	s.mu.Lock()
	s.dirty[k] = struct{}{}
	s.mu.Unlock()
}

// takeDirty returns the current value of every dirty session and the keys
// of dirty sessions that no longer exist, and clears the dirty set.
func (s *sessionStore) takeDirty() (save []UserSession, drop []sessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.dirty {
		if cur, ok := s.m[k]; ok {
			save = append(save, *cur)
		} else {
			drop = append(drop, k)
		}
	}
	clear(s.dirty)
	return save, drop
}

func (s *sessionStore) get(k sessionKey) (UserSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[k]
	if !ok {
		return UserSession{ChatID: k.chatID, UserID: k.userID}, false
	}
	return *cur, true
}

// update applies fn to the session for k, creating it when absent, and
// returns the result.
func (s *sessionStore) update(k sessionKey, fn func(*UserSession)) UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[k]
	if !ok {
		cur = &UserSession{ChatID: k.chatID, UserID: k.userID}
		s.m[k] = cur
	}
	fn(cur)
	cur.UpdatedAt = s.now()
	s.dirty[k] = struct{}{}
	return *cur
}

// transition moves the session from one state to another, and does nothing
// when it has moved on in the meantime.
func (s *sessionStore) transition(k sessionKey, from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[k]
	if !ok || cur.State != from {
		return false
	}
	cur.State = to
	cur.UpdatedAt = s.now()
	s.dirty[k] = struct{}{}
	return true
}

func (s *sessionStore) drop(k sessionKey) {
	s.mu.Lock()
	delete(s.m, k)
	s.dirty[k] = struct{}{}
	s.mu.Unlock()
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// prune drops sessions untouched for longer than idle and returns how many
// went away.
func (s *sessionStore) prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.m {
		if v.UpdatedAt.Before(cutoff) {
			delete(s.m, k)
			s.dirty[k] = struct{}{}
			n++
		}
	}
	return n
}
