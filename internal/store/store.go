// ABOUTME: Store interface and data types for the gateway answer log
// ABOUTME: Defines AnswerRecord and the Store interface for persistence

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AnswerRecord is one completed pipeline run, persisted for diagnostics
// and the history endpoint. Persistence is best-effort: a failed save is
// logged and never fails the request that produced it.
type AnswerRecord struct {
	ID            string
	Question      string
	Answer        string
	OK            bool
	ElapsedMS     int64
	UsedTokens    int
	TimeoutMS     int
	TimeoutSource string
	Attempts      int
	PushedTo      string // empty unless the answer was dispatched
	CreatedAt     time.Time
}

// Store is the persistence interface for the answer log.
type Store interface {
	SaveAnswer(ctx context.Context, rec *AnswerRecord) error
	GetAnswer(ctx context.Context, id string) (*AnswerRecord, error)
	ListRecentAnswers(ctx context.Context, limit int) ([]*AnswerRecord, error)
	Close() error
}
