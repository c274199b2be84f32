// ABOUTME: Tests for the SQLite answer log
// ABOUTME: Uses an in-memory database for save, get, and list operations

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string, createdAt time.Time) *AnswerRecord {
	return &AnswerRecord{
		ID:            id,
		Question:      "What is the refund policy?",
		Answer:        "- Refunds allowed within 30 days.",
		OK:            true,
		ElapsedMS:     812,
		UsedTokens:    37,
		TimeoutMS:     9000,
		TimeoutSource: "default",
		Attempts:      1,
		CreatedAt:     createdAt,
	}
}

func TestSaveAndGetAnswer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("req-1", time.Now().UTC().Truncate(time.Second))
	rec.PushedTo = "whatsapp:+15551234567"
	require.NoError(t, s.SaveAnswer(ctx, rec))

	got, err := s.GetAnswer(ctx, "req-1")
	require.NoError(t, err)

	assert.Equal(t, rec.Question, got.Question)
	assert.Equal(t, rec.Answer, got.Answer)
	assert.True(t, got.OK)
	assert.Equal(t, int64(812), got.ElapsedMS)
	assert.Equal(t, 37, got.UsedTokens)
	assert.Equal(t, "default", got.TimeoutSource)
	assert.Equal(t, "whatsapp:+15551234567", got.PushedTo)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestGetAnswer_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAnswer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecentAnswers_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := sampleRecord(fmt.Sprintf("req-%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SaveAnswer(ctx, rec))
	}

	records, err := s.ListRecentAnswers(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Most recent first.
	assert.Equal(t, "req-4", records[0].ID)
	assert.Equal(t, "req-3", records[1].ID)
	assert.Equal(t, "req-2", records[2].ID)
}

func TestListRecentAnswers_Empty(t *testing.T) {
	s := newTestStore(t)

	records, err := s.ListRecentAnswers(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSaveAnswer_FailedRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("req-fail", time.Now().UTC())
	rec.OK = false
	rec.Answer = "LLM busy; try again."
	rec.Attempts = 3
	require.NoError(t, s.SaveAnswer(ctx, rec))

	got, err := s.GetAnswer(ctx, "req-fail")
	require.NoError(t, err)
	assert.False(t, got.OK)
	assert.Equal(t, 3, got.Attempts)
}
