package replay

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Guard backed by a sqlite database, shareable across
// processes on one host. The insert-if-absent runs as a single statement
// so concurrent consumers of the same nonce serialize in the store.
type SQLite struct {
	db      *sql.DB
	timeout time.Duration
	ops     atomic.Int64 // gates the opportunistic sweep
}

const sweepEvery = 256

const createNonceTable = `
CREATE TABLE IF NOT EXISTS relay_nonces (
	nonce      TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_nonces_expires ON relay_nonces(expires_at);
`

// An expired row does not block reuse of its nonce: the upsert refreshes
// it and counts as a fresh consumption.
const consumeNonce = `
INSERT INTO relay_nonces (nonce, created_at, expires_at) VALUES (?, ?, ?)
ON CONFLICT(nonce) DO UPDATE SET created_at = excluded.created_at, expires_at = excluded.expires_at
WHERE relay_nonces.expires_at <= excluded.created_at
`

// OpenSQLite opens (creating if needed) the nonce store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	// Single writer; sqlite serializes writes anyway and this keeps the
	// upsert free of SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createNonceTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("init nonce store: %w", err)
	}
	return &SQLite{db: db, timeout: 500 * time.Millisecond}, nil
}

func (s *SQLite) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, consumeNonce, nonce, now, now+ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}

	if s.ops.Add(1)%sweepEvery == 0 {
		s.sweep(ctx, now)
	}
	return n == 1, nil
}

// sweep deletes expired rows; physical deletion is best-effort since
// Consume already ignores expired rows.
func (s *SQLite) sweep(ctx context.Context, now int64) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM relay_nonces WHERE expires_at <= ?`, now)
}

func (s *SQLite) Close() error { return s.db.Close() }
