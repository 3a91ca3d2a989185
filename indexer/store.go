package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"escrowchain/core/events"
	"escrowchain/core/types"
)

// DefaultPageSize bounds List when the caller passes no limit.
const DefaultPageSize = 100

// Store archives every emitted event in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// StoredEvent is an archived event.
type StoredEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Open creates or opens the archive at path. ":memory:" keeps it in memory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{db: db, logger: logger, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert archives a rendered event and returns its sequence number.
func (s *Store) Insert(ctx context.Context, evt *types.Event) (int64, error) {
	if evt == nil {
		return 0, fmt.Errorf("indexer: nil event")
	}
	const stmt = `INSERT INTO events(type, attributes, created_at) VALUES (?, ?, ?)`
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, stmt, evt.Type, string(payload), s.now().UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Emit implements events.Emitter. Failures are logged, never propagated to the
// emitting program.
func (s *Store) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	if _, err := s.Insert(context.Background(), rendered); err != nil {
		s.logger.Error("indexer: archive event", slog.String("type", rendered.Type), slog.String("error", err.Error()))
	}
}

// List returns up to limit events with a sequence greater than afterSeq,
// oldest first.
func (s *Store) List(ctx context.Context, afterSeq int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}
	const query = `SELECT sequence, type, attributes, created_at FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var (
			evt     StoredEvent
			payload string
			created int64
		)
		if err := rows.Scan(&evt.Sequence, &evt.Type, &payload, &created); err != nil {
			return nil, err
		}
		evt.CreatedAt = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("indexer: decode attributes of %d: %w", evt.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
