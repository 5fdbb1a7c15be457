package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cupwatch/internal/subscription"
	"cupwatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const subColumns = `seq, user_id, subject_id, request_id, chat_id, thread_id, filters, created_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and iterators never hold
	// a connection while yielding.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, sub subscription.Subscription) error {
	filters, err := json.Marshal(nonNil(sub.Filters))
	if err != nil {
		return err
	}
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, subject_id, request_id, chat_id, thread_id, filters, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, subject_id, request_id) DO NOTHING`,
		sub.ID.UserID, sub.ID.SubjectID, sub.ID.RequestID,
		sub.Destination.ChatID, sub.Destination.ThreadID,
		string(filters), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE user_id = ? AND subject_id = ? AND request_id = ?`,
		id.UserID, id.SubjectID, id.RequestID)
	return scanSub(row)
}

func (s *sqliteStore) Remove(ctx context.Context, id subscription.ID) (subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND subject_id = ? AND request_id = ? RETURNING `+subColumns,
		id.UserID, id.SubjectID, id.RequestID)
	return scanSub(row)
}

func (s *sqliteStore) AppendFilter(ctx context.Context, id subscription.ID, text string) (subscription.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return subscription.Subscription{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := scanSub(tx.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE user_id = ? AND subject_id = ? AND request_id = ?`,
		id.UserID, id.SubjectID, id.RequestID))
	if err != nil {
		return subscription.Subscription{}, err
	}
	sub.Filters = append(sub.Filters, text)
	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET filters = ? WHERE seq = ?`, string(filters), sub.Seq); err != nil {
		return subscription.Subscription{}, err
	}
	if err := tx.Commit(); err != nil {
		return subscription.Subscription{}, err
	}
	return sub, nil
}

func (s *sqliteStore) ListByUser(ctx context.Context, userID int64) iter.Seq2[subscription.ID, subscription.Subscription] {
	return yieldAll(ctx, func() []subscription.Subscription {
		subs, err := s.query(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE user_id = ? ORDER BY seq`, userID)
		if err != nil {
			s.log.Warn("sqlite user list incomplete", logx.Int64("user", userID), logx.Err(err))
		}
		return subs
	})
}

func (s *sqliteStore) All(ctx context.Context) iter.Seq2[subscription.Subscription, error] {
	return yieldChecked(ctx, func() ([]subscription.Subscription, error) {
		return s.query(ctx, `SELECT `+subColumns+` FROM subscriptions ORDER BY seq`)
	})
}

// query reads all rows before returning so the single connection is free
// while the caller iterates. Bad rows are skipped; their errors are joined
// with any query failure.
func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var (
		out  []subscription.Subscription
		errs []error
	)
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			errs = append(errs, fmt.Errorf("sqlite row: %w", err))
			continue
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		errs = append(errs, fmt.Errorf("sqlite list interrupted: %w", err))
	}
	return out, errors.Join(errs...)
}

func (s *sqliteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(chat_id, user_id, thread_id, subject_id, request_id, state, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, user_id) DO UPDATE SET
		   thread_id = excluded.thread_id, subject_id = excluded.subject_id,
		   request_id = excluded.request_id, state = excluded.state, updated_at = excluded.updated_at`,
		rec.ChatID, rec.UserID, rec.ThreadID, rec.SubjectID, rec.RequestID, rec.State,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) DeleteSession(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

func (s *sqliteStore) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, user_id, thread_id, subject_id, request_id, state, updated_at FROM sessions ORDER BY chat_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec     SessionRecord
			updated string
		)
		if err := rows.Scan(&rec.ChatID, &rec.UserID, &rec.ThreadID, &rec.SubjectID, &rec.RequestID, &rec.State, &updated); err != nil {
			return out, fmt.Errorf("sqlite session row: %w", err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return out, fmt.Errorf("sqlite session %d/%d: %w", rec.ChatID, rec.UserID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSub(row scanner) (subscription.Subscription, error) {
	var (
		sub     subscription.Subscription
		filters string
		created string
	)
	err := row.Scan(&sub.Seq, &sub.ID.UserID, &sub.ID.SubjectID, &sub.ID.RequestID,
		&sub.Destination.ChatID, &sub.Destination.ThreadID, &filters, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, ErrNotFound
	}
	if err != nil {
		return subscription.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(filters), &sub.Filters); err != nil {
		return subscription.Subscription{}, fmt.Errorf("decode filters of %s: %w", sub.ID, err)
	}
	sub.Filters = nonNil(sub.Filters)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		sub.CreatedAt = t
	}
	return sub, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
