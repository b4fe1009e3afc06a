package persistence

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed worker_mailbox_schema.sql
var mailboxSchema string

// deleteChunk keeps IN lists under SQLite's bound-parameter limit.
const deleteChunk = 500

// =============================================================================
// MailboxStore - one SQLite file per account
// =============================================================================

type MailboxStore struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*sqlx.DB
	now func() time.Time
}

var _ out.MailboxStore = (*MailboxStore)(nil)

// NewMailboxStore creates dir if needed. Databases open lazily per account.
func NewMailboxStore(dir string) (*MailboxStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &MailboxStore{
		dir: dir,
		dbs: make(map[string]*sqlx.DB),
		now: time.Now,
	}, nil
}

func (s *MailboxStore) open(accountID string) (*sqlx.DB, error) {
	if accountID == "" || accountID == "." || strings.Contains(accountID, "..") || strings.ContainsAny(accountID, `/\`) {
		return nil, fmt.Errorf("%w: account id %q", ErrInvalidInput, accountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dbs == nil {
		return nil, fmt.Errorf("mailbox store closed")
	}
	if db, ok := s.dbs[accountID]; ok {
		return db, nil
	}

	path := filepath.Join(s.dir, accountID+".db")
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(mailboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply mailbox schema: %w", err)
	}

	s.dbs[accountID] = db
	return db, nil
}

// Clear empties the account's messages and aggregates, keeping the file.
func (s *MailboxStore) Clear(ctx context.Context, accountID string) error {
	db, err := s.open(accountID)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sender_aggregates`)
		return err
	})
}

// InsertBatch upserts messages in one transaction. Re-inserting an ID
// replaces the stored row, so replays after a resume are idempotent.
func (s *MailboxStore) InsertBatch(ctx context.Context, accountID string, messages []*domain.MessageMetadata) error {
	if len(messages) == 0 {
		return nil
	}
	db, err := s.open(accountID)
	if err != nil {
		return err
	}

	syncedAt := s.now().UnixMilli()
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT OR REPLACE INTO messages (
				id, thread_id, from_email, from_name, sender_domain, subject, snippet,
				date, size_bytes, labels, is_unread, is_starred, is_trash, is_spam,
				has_attachments, category, synced_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range messages {
			labels, err := json.Marshal(m.Labels)
			if err != nil {
				return fmt.Errorf("encode labels for %s: %w", m.ID, err)
			}
			if m.Labels == nil {
				labels = []byte("[]")
			}
			var date int64
			if !m.Date.IsZero() {
				date = m.Date.UnixMilli()
			}
			if _, err := stmt.ExecContext(ctx,
				m.ID, m.ThreadID, m.FromEmail, m.FromName, m.SenderDomain(), m.Subject, m.Snippet,
				date, m.SizeBytes, string(labels), m.IsUnread, m.IsStarred, m.IsTrash, m.IsSpam,
				m.HasAttachments, m.Category, syncedAt,
			); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// DeleteByIDs removes messages and returns how many rows were deleted.
func (s *MailboxStore) DeleteByIDs(ctx context.Context, accountID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.open(accountID)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = withTx(ctx, db, func(tx *sqlx.Tx) error {
		for start := 0; start < len(ids); start += deleteChunk {
			end := min(start+deleteChunk, len(ids))
			query, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?)`, ids[start:end])
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	return int(deleted), err
}

// RebuildSenderAggregates recomputes the per-sender rollup from messages.
func (s *MailboxStore) RebuildSenderAggregates(ctx context.Context, accountID string) error {
	db, err := s.open(accountID)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sender_aggregates`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sender_aggregates (email, name, domain, count, unread_count, total_size, first_date, last_date)
			SELECT
				from_email,
				MAX(from_name),
				MAX(sender_domain),
				COUNT(*),
				SUM(is_unread),
				SUM(size_bytes),
				MIN(date),
				MAX(date)
			FROM messages
			WHERE from_email <> ''
			GROUP BY from_email`)
		return err
	})
}

func (s *MailboxStore) Count(ctx context.Context, accountID string) (int, error) {
	db, err := s.open(accountID)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`)
	return n, err
}

type senderRow struct {
	Email       string `db:"email"`
	Name        string `db:"name"`
	Domain      string `db:"domain"`
	Count       int    `db:"count"`
	UnreadCount int    `db:"unread_count"`
	TotalSize   int64  `db:"total_size"`
	FirstDate   int64  `db:"first_date"`
	LastDate    int64  `db:"last_date"`
}

// SenderAggregates returns senders by message count, largest first.
// limit <= 0 returns all.
func (s *MailboxStore) SenderAggregates(ctx context.Context, accountID string, limit int) ([]*domain.SenderAggregate, error) {
	db, err := s.open(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	var rows []senderRow
	if err := db.SelectContext(ctx, &rows, `
		SELECT email, name, domain, count, unread_count, total_size, first_date, last_date
		FROM sender_aggregates
		ORDER BY count DESC, email
		LIMIT ?`, limit); err != nil {
		return nil, err
	}

	result := make([]*domain.SenderAggregate, len(rows))
	for i, r := range rows {
		result[i] = &domain.SenderAggregate{
			Email:       r.Email,
			Name:        r.Name,
			Domain:      r.Domain,
			Count:       r.Count,
			UnreadCount: r.UnreadCount,
			TotalSize:   r.TotalSize,
			FirstDate:   time.UnixMilli(r.FirstDate).UTC(),
			LastDate:    time.UnixMilli(r.LastDate).UTC(),
		}
	}
	return result, nil
}

// Close closes every open account database.
func (s *MailboxStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close mailbox %s: %w", id, err)
		}
	}
	s.dbs = nil
	return firstErr
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
