// Package journal is the durable, append-only log of agent events. Every
// session's events carry a dense sequence starting at 1; the sequence is the
// replay cursor for late-joining clients.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrConflict means a concurrent appender won the seq allocation race. The
// caller retries with a fresh seq. The session hub serializes appends per
// session, so in practice this only shows up under restart overlap.
var ErrConflict = errors.New("journal: sequence conflict")

// Event is one journaled agent emission. Immutable after insertion.
type Event struct {
	SessionID string          `json:"sessionId" db:"session_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// Journal stores and queries events. Implementations must be safe for
// concurrent use from any goroutine.
type Journal interface {
	// Append allocates the next seq for the session atomically, writes the
	// row, and returns the assigned seq. Fails with ErrConflict when a
	// concurrent appender races.
	Append(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error)

	// RangeAfter returns up to limit events with seq > afterSeq in
	// ascending order, plus the session's current max seq.
	RangeAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Event, int64, error)

	// LastSeq returns the session's current max seq (0 when empty).
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	// PruneOlderThan deletes events created before the cutoff and returns
	// the number removed. Retention maintenance only; it may leave a
	// session's remaining seqs starting above 1. Seq allocation and LastSeq
	// never move backwards across pruning.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteSession removes all events for a session.
	DeleteSession(ctx context.Context, sessionID string) error
}
