package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

type sqlJournal struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	logger *logger.Logger
}

var _ Journal = (*sqlJournal)(nil)

// Provide creates the SQL-backed journal using separate writer and reader
// pools.
func Provide(writer, reader *sqlx.DB, log *logger.Logger) (Journal, error) {
	j := &sqlJournal{
		db:     writer,
		ro:     reader,
		logger: log.WithFields(zap.String("component", "journal")),
	}
	if err := j.initSchema(); err != nil {
		return nil, fmt.Errorf("journal schema init: %w", err)
	}
	return j, nil
}

func (j *sqlJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	CREATE TABLE IF NOT EXISTS event_cursors (
		session_id TEXT PRIMARY KEY,
		last_seq   INTEGER NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *sqlJournal) Append(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error) {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The cursor row is the session's seq high-water mark. Allocating from
	// max(rows, cursor) keeps seq strictly increasing even after retention
	// pruning removed the surviving rows.
	var maxRow int64
	err = tx.GetContext(ctx, &maxRow,
		j.db.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`),
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("journal append: next seq: %w", err)
	}
	var cursor int64
	err = tx.GetContext(ctx, &cursor,
		j.db.Rebind(`SELECT COALESCE(MAX(last_seq), 0) FROM event_cursors WHERE session_id = ?`),
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("journal append: read cursor: %w", err)
	}
	seq := maxRow + 1
	if cursor >= maxRow {
		seq = cursor + 1
	}

	_, err = tx.ExecContext(ctx,
		j.db.Rebind(`INSERT INTO events (session_id, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		sessionID, seq, eventType, string(payload), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("journal append: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		j.db.Rebind(`INSERT INTO event_cursors (session_id, last_seq) VALUES (?, ?)
			ON CONFLICT (session_id) DO UPDATE SET last_seq = excluded.last_seq`),
		sessionID, seq)
	if err != nil {
		return 0, fmt.Errorf("journal append: advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("journal append: commit: %w", err)
	}
	return seq, nil
}

func (j *sqlJournal) RangeAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Event, int64, error) {
	if limit <= 0 {
		limit = 500
	}

	var rows []eventRow
	err := j.ro.SelectContext(ctx, &rows,
		j.ro.Rebind(`SELECT session_id, seq, type, payload, created_at
			FROM events WHERE session_id = ? AND seq > ?
			ORDER BY seq ASC LIMIT ?`),
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("journal range: %w", err)
	}

	lastSeq, err := j.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	events := make([]*Event, len(rows))
	for i, r := range rows {
		events[i] = r.toEvent()
	}
	return events, lastSeq, nil
}

func (j *sqlJournal) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := j.ro.GetContext(ctx, &seq,
		j.ro.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`),
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("journal last seq: %w", err)
	}
	var cursor int64
	err = j.ro.GetContext(ctx, &cursor,
		j.ro.Rebind(`SELECT COALESCE(MAX(last_seq), 0) FROM event_cursors WHERE session_id = ?`),
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("journal last seq: read cursor: %w", err)
	}
	if cursor > seq {
		return cursor, nil
	}
	return seq, nil
}

func (j *sqlJournal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		j.db.Rebind(`DELETE FROM events WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	count, _ := result.RowsAffected()
	if count > 0 {
		j.logger.Info("pruned journal events", zap.Int64("count", count))
	}
	return count, nil
}

func (j *sqlJournal) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := j.db.ExecContext(ctx,
		j.db.Rebind(`DELETE FROM events WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("journal delete session: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		j.db.Rebind(`DELETE FROM event_cursors WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("journal delete session cursor: %w", err)
	}
	return nil
}

// isUniqueViolation matches PK violations for both drivers without importing
// driver error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}

type eventRow struct {
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Type      string    `db:"type"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *eventRow) toEvent() *Event {
	return &Event{
		SessionID: r.SessionID,
		Seq:       r.Seq,
		Type:      r.Type,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}
