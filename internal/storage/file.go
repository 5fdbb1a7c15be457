package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cupwatch/internal/subscription"
	"cupwatch/pkg/logx"
)

// fileStore keeps the table in memory and persists it as:
//   - <prefix>.subs.snapshot.json (full table, rewritten on compaction)
//   - <prefix>.subs.journal.jsonl (append-only operations since the snapshot)
//   - <prefix>.sessions.json (conversation state, rewritten on every change)
//
// Writers are serialized by mu; readers only take the index lock.
type fileStore struct {
	log logx.Logger
	idx *index

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	smu          sync.Mutex
	sessions     *sessionTable
	sessionsPath string
}

type journalOp struct {
	Op   string                     `json:"op"` // put | filter | remove
	Sub  *subscription.Subscription `json:"sub,omitempty"`
	ID   *subscription.ID           `json:"id,omitempty"`
	Text string                     `json:"text,omitempty"`
}

type snapshotDoc struct {
	LastSeq uint64                      `json:"last_seq"`
	Subs    []subscription.Subscription `json:"subs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		idx:          newIndex(),
		snapshotPath: prefix + ".subs.snapshot.json",
		compactEvery: cfg.CompactEvery,
		sessions:     newSessionTable(),
		sessionsPath: prefix + ".sessions.json",
	}
	if s.compactEvery <= 0 {
		s.compactEvery = defaultCompactEvery
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := s.loadSessions(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	journalPath := prefix + ".subs.journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var doc snapshotDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return err
	}
	for _, sub := range doc.Subs {
		s.idx.load(sub)
	}
	s.idx.mu.Lock()
	if doc.LastSeq > s.idx.lastSeq {
		s.idx.lastSeq = doc.LastSeq
	}
	s.idx.mu.Unlock()
	return nil
}

func (s *fileStore) loadSessions() error {
	f, err := os.Open(s.sessionsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []SessionRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, rec := range recs {
		s.sessions.save(rec)
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn last line after a crash is expected; skip it.
			s.log.Warn("journal line skipped", logx.Int("line", line), logx.Err(err))
			continue
		}
		switch {
		case op.Op == "put" && op.Sub != nil:
			s.idx.load(*op.Sub)
		case op.Op == "filter" && op.ID != nil:
			_, _ = s.idx.appendFilter(*op.ID, op.Text)
		case op.Op == "remove" && op.ID != nil:
			_, _ = s.idx.remove(*op.ID)
		}
	}
	return sc.Err()
}

func (s *fileStore) Put(ctx context.Context, sub subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx.has(sub.ID) {
		return ErrAlreadyExists
	}
	sub = sub.Clone()
	sub.Seq = s.idx.nextSeq()
	if err := s.appendLocked(journalOp{Op: "put", Sub: &sub}); err != nil {
		return err
	}
	s.idx.load(sub)
	s.applied()
	return nil
}

func (s *fileStore) Get(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	return s.idx.get(id)
}

func (s *fileStore) Remove(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idx.has(id) {
		return subscription.Subscription{}, ErrNotFound
	}
	if err := s.appendLocked(journalOp{Op: "remove", ID: &id}); err != nil {
		return subscription.Subscription{}, err
	}
	sub, err := s.idx.remove(id)
	s.applied()
	return sub, err
}

func (s *fileStore) AppendFilter(ctx context.Context, id subscription.ID, text string) (subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idx.has(id) {
		return subscription.Subscription{}, ErrNotFound
	}
	if err := s.appendLocked(journalOp{Op: "filter", ID: &id, Text: text}); err != nil {
		return subscription.Subscription{}, err
	}
	sub, err := s.idx.appendFilter(id, text)
	s.applied()
	return sub, err
}

func (s *fileStore) ListByUser(ctx context.Context, userID int64) iter.Seq2[subscription.ID, subscription.Subscription] {
	return s.idx.seq(ctx, byUser(userID))
}

func (s *fileStore) All(ctx context.Context) iter.Seq2[subscription.Subscription, error] {
	return s.idx.all(ctx)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	return errors.Join(cerr, err)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return errors.New("subscription journal closed")
	}
	return json.NewEncoder(s.journal).Encode(op)
}

// applied is called after an op reached both the journal and the index.
func (s *fileStore) applied() {
	s.writes++
	if s.writes%s.compactEvery != 0 {
		return
	}
	// Ops stay in the journal when compaction fails; it is retried later.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Err(err))
	}
}

// compactLocked writes the current table to the snapshot (tmp + rename) and
// truncates the journal.
func (s *fileStore) compactLocked() error {
	doc := snapshotDoc{Subs: s.idx.collect(nil)}
	s.idx.mu.RLock()
	doc.LastSeq = s.idx.lastSeq
	s.idx.mu.RUnlock()

	if err := writeJSONAtomic(s.snapshotPath, doc); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.sessions.save(rec)
	return writeJSONAtomic(s.sessionsPath, s.sessions.list())
}

func (s *fileStore) DeleteSession(ctx context.Context, chatID, userID int64) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.sessions.delete(chatID, userID)
	return writeJSONAtomic(s.sessionsPath, s.sessions.list())
}

func (s *fileStore) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	return s.sessions.list(), nil
}

// writeJSONAtomic encodes v to path through a synced temp file and a rename.
func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
