package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores link records in a sqlite database.
type SQLite struct {
	db *sql.DB
}

const createLinksTable = `
CREATE TABLE IF NOT EXISTS links (
	id          TEXT PRIMARY KEY,
	short_code  TEXT NOT NULL UNIQUE,
	destination TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	expires_at  INTEGER NOT NULL DEFAULT 0,
	click_limit INTEGER NOT NULL DEFAULT 0,
	click_count INTEGER NOT NULL DEFAULT 0
);
`

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open link registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createLinksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("init link registry: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Resolve(ctx context.Context, shortCode string) (Link, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, short_code, destination, status, expires_at, click_limit, click_count
		FROM links WHERE short_code = ?`, shortCode)

	var l Link
	var expiresAt int64
	err := row.Scan(&l.ID, &l.ShortCode, &l.Destination, &l.Status, &expiresAt, &l.ClickLimit, &l.ClickCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("resolve %q: %w", shortCode, err)
	}
	if expiresAt > 0 {
		l.ExpiresAt = time.UnixMilli(expiresAt)
	}
	return l, nil
}

func (s *SQLite) ResolveDestination(ctx context.Context, linkID string) (string, error) {
	var dest string
	err := s.db.QueryRowContext(ctx, `SELECT destination FROM links WHERE id = ?`, linkID).Scan(&dest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve destination for %q: %w", linkID, err)
	}
	return dest, nil
}

func (s *SQLite) RecordClick(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE links SET click_count = click_count + 1 WHERE id = ?`, linkID)
	if err != nil {
		return fmt.Errorf("record click for %q: %w", linkID, err)
	}
	return nil
}

// Upsert inserts or replaces a link record. Used by seeding and tests;
// the full CRUD surface lives outside this service.
func (s *SQLite) Upsert(ctx context.Context, l Link) error {
	var expiresAt int64
	if !l.ExpiresAt.IsZero() {
		expiresAt = l.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (id, short_code, destination, status, expires_at, click_limit, click_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			short_code = excluded.short_code,
			destination = excluded.destination,
			status = excluded.status,
			expires_at = excluded.expires_at,
			click_limit = excluded.click_limit,
			click_count = excluded.click_count`,
		l.ID, l.ShortCode, l.Destination, l.Status, expiresAt, l.ClickLimit, l.ClickCount)
	if err != nil {
		return fmt.Errorf("upsert link %q: %w", l.ID, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
