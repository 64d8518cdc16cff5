// Package sqlitelog is a SQLite-backed event log. It uses modernc.org/sqlite
// (pure Go, no CGO) so the binary stays static and works in scratch images
// without a C compiler.
package sqlitelog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kestrelio/subengine/internal/subscription"
)

// Store implements an append-only, dense-numbered event log per stream on
// top of a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			stream       TEXT    NOT NULL,
			event_number INTEGER NOT NULL,
			event_id     TEXT    NOT NULL UNIQUE,
			event_type   TEXT    NOT NULL,
			data         BLOB,
			metadata     BLOB,
			PRIMARY KEY (stream, event_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stamps the events with the stream's next dense numbers and
// persists them in one transaction. The stamped copies are returned so
// callers can feed the live push path.
func (s *Store) Append(ctx context.Context, stream string, events ...subscription.StreamEvent) ([]subscription.StreamEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_number) + 1, 0) FROM events WHERE stream = ?`, stream,
	).Scan(&next)
	if err != nil {
		return nil, err
	}

	stamped := make([]subscription.StreamEvent, 0, len(events))
	for _, ev := range events {
		ev.EventNumber = next
		if ev.EventID == uuid.Nil {
			ev.EventID = uuid.New()
		}
		ev.Position = fmt.Sprintf("%s@%d", stream, next)
		next++

		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream, event_number, event_id, event_type, data, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			stream, ev.EventNumber, ev.EventID.String(), ev.EventType, ev.Data, ev.Metadata,
		)
		if err != nil {
			return nil, err
		}
		stamped = append(stamped, ev)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stamped, nil
}

// ReadBatch returns up to count events starting at from, the next number
// to read, and whether the batch reached the stream tail.
func (s *Store) ReadBatch(ctx context.Context, stream string, from int64, count int) ([]subscription.StreamEvent, int64, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_number, event_id, event_type, data, metadata
		   FROM events
		  WHERE stream = ? AND event_number >= ?
		  ORDER BY event_number
		  LIMIT ?`,
		stream, from, count,
	)
	if err != nil {
		return nil, from, false, err
	}
	defer rows.Close()

	var events []subscription.StreamEvent
	for rows.Next() {
		var (
			ev    subscription.StreamEvent
			rawID string
		)
		if err := rows.Scan(&ev.EventNumber, &rawID, &ev.EventType, &ev.Data, &ev.Metadata); err != nil {
			return nil, from, false, err
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, from, false, fmt.Errorf("corrupt event id in stream %s: %w", stream, err)
		}
		ev.EventID = id
		ev.Position = fmt.Sprintf("%s@%d", stream, ev.EventNumber)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, from, false, err
	}

	next := from
	if len(events) > 0 {
		next = events[len(events)-1].EventNumber + 1
	}

	var tail int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_number) + 1, 0) FROM events WHERE stream = ?`, stream,
	).Scan(&tail)
	if err != nil {
		return nil, from, false, err
	}
	return events, next, next >= tail, nil
}

// Loader adapts one stream of a Store to the engine's EventLoader
// capability. Reads run on their own goroutine; the completion re-enters
// the engine as a posted message.
type Loader struct {
	store  *Store
	stream string
}

// NewLoader binds a loader to a stream.
func NewLoader(store *Store, stream string) *Loader {
	return &Loader{store: store, stream: stream}
}

// BeginLoad implements subscription.EventLoader.
func (l *Loader) BeginLoad(subscriptionID string, startEventNumber int64, countToLoad int, onCompleted func([]subscription.StreamEvent, int64, bool, error)) {
	go func() {
		events, next, caughtUp, err := l.store.ReadBatch(context.Background(), l.stream, startEventNumber, countToLoad)
		onCompleted(events, next, caughtUp, err)
	}()
}
