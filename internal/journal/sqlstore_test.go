package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

func setupTestJournal(t *testing.T) Journal {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	j, err := Provide(db, db, logger.Default())
	require.NoError(t, err)
	return j
}

func TestAppendAssignsDenseSequence(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := j.Append(ctx, "s1", "message_chunk", json.RawMessage(`{"text":"hi"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	events, lastSeq, err := j.RangeAfter(ctx, "s1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), lastSeq)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "seq values must be the contiguous prefix of naturals")
	}
}

func TestSequencesAreIndependentPerSession(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	seqA, err := j.Append(ctx, "a", "x", json.RawMessage(`{}`))
	require.NoError(t, err)
	seqB, err := j.Append(ctx, "b", "x", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), seqA)
	assert.Equal(t, int64(1), seqB)
}

func TestRangeAfterWindow(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := j.Append(ctx, "s1", "e", json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
		require.NoError(t, err)
	}

	events, lastSeq, err := j.RangeAfter(ctx, "s1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(6), lastSeq)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
	assert.Equal(t, int64(5), events[2].Seq)
}

func TestRangeAfterEmptySession(t *testing.T) {
	j := setupTestJournal(t)

	events, lastSeq, err := j.RangeAfter(context.Background(), "nope", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), lastSeq)
}

func TestLastSeq(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	seq, err := j.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	_, err = j.Append(ctx, "s1", "e", json.RawMessage(`{}`))
	require.NoError(t, err)

	seq, err = j.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestVisibilityIsImmediate(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	seq, err := j.Append(ctx, "s1", "e", json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)

	events, _, err := j.RangeAfter(ctx, "s1", seq-1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1, "an appended event is queryable immediately")
	assert.Equal(t, seq, events[0].Seq)
	assert.JSONEq(t, `{"k":"v"}`, string(events[0].Payload))
}

func TestPruneOlderThan(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, "s1", "old", json.RawMessage(`{}`))
	require.NoError(t, err)

	count, err := j.PruneOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	events, _, err := j.RangeAfter(ctx, "s1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPruneDoesNotRewindSequence(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, "s1", "e", json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	count, err := j.PruneOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The high-water mark survives even when every row is gone, so a client
	// cursor at seq 3 never sees re-issued seqs below it.
	lastSeq, err := j.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastSeq)

	seq, err := j.Append(ctx, "s1", "e", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	events, lastSeq, err := j.RangeAfter(ctx, "s1", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), lastSeq)
	require.Len(t, events, 1)
	assert.Equal(t, int64(4), events[0].Seq)
}

func TestDeleteSession(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, "s1", "e", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = j.Append(ctx, "s2", "e", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, j.DeleteSession(ctx, "s1"))

	seq1, err := j.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq1)

	seq2, err := j.LastSeq(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq2)
}
