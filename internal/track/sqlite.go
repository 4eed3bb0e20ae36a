package track

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLite buffers events on a channel and writes them to a sqlite table
// from a single background writer, keeping the request path free of
// storage latency. The buffer drops on overflow rather than blocking.
type SQLite struct {
	db     *sql.DB
	events chan Event
	done   chan struct{}
	log    zerolog.Logger
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS tracking_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	click_id   TEXT NOT NULL,
	link_id    TEXT NOT NULL,
	stage      TEXT NOT NULL,
	client_ip  TEXT NOT NULL,
	user_agent TEXT NOT NULL,
	referrer   TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracking_events_link ON tracking_events(link_id);
`

// OpenSQLite opens the event store at path and starts the writer.
func OpenSQLite(path string, log zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event store: %w", err)
	}
	s := &SQLite{
		db:     db,
		events: make(chan Event, 1024),
		done:   make(chan struct{}),
		log:    log,
	}
	go s.writer()
	return s, nil
}

func (s *SQLite) Emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn().Str("click_id", e.ClickID).Msg("tracking event buffer full, event dropped")
	}
}

func (s *SQLite) writer() {
	defer close(s.done)
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tracking_events
				(click_id, link_id, stage, client_ip, user_agent, referrer, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ClickID, e.LinkID, e.Stage, e.ClientIP, e.UserAgent, e.Referrer,
			e.Latency.Milliseconds(), e.At.UnixMilli())
		cancel()
		if err != nil {
			s.log.Error().Err(err).Msg("tracking event write failed")
		}
	}
}

// Close drains buffered events and closes the store.
func (s *SQLite) Close() error {
	close(s.events)
	<-s.done
	return s.db.Close()
}
