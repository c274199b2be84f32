// ABOUTME: SQLite implementation of the answer log using modernc.org/sqlite
// ABOUTME: Provides answer persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created automatically and parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS answers (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			ok INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			used_tokens INTEGER NOT NULL,
			timeout_ms INTEGER NOT NULL,
			timeout_source TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			pushed_to TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_answers_created_at
			ON answers(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveAnswer stores one completed pipeline run.
func (s *SQLiteStore) SaveAnswer(ctx context.Context, rec *AnswerRecord) error {
	query := `
		INSERT INTO answers (
			id, question, answer, ok, elapsed_ms, used_tokens,
			timeout_ms, timeout_source, attempts, pushed_to, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Question,
		rec.Answer,
		boolToInt(rec.OK),
		rec.ElapsedMS,
		rec.UsedTokens,
		rec.TimeoutMS,
		rec.TimeoutSource,
		rec.Attempts,
		rec.PushedTo,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting answer: %w", err)
	}

	s.logger.Debug("saved answer",
		"id", rec.ID,
		"ok", rec.OK,
		"attempts", rec.Attempts,
		"elapsed_ms", rec.ElapsedMS,
	)
	return nil
}

// GetAnswer retrieves one answer record by ID.
func (s *SQLiteStore) GetAnswer(ctx context.Context, id string) (*AnswerRecord, error) {
	query := `
		SELECT id, question, answer, ok, elapsed_ms, used_tokens,
		       timeout_ms, timeout_source, attempts, pushed_to, created_at
		FROM answers
		WHERE id = ?
	`

	rec, err := scanAnswer(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying answer: %w", err)
	}
	return rec, nil
}

// ListRecentAnswers returns up to limit records, most recent first.
func (s *SQLiteStore) ListRecentAnswers(ctx context.Context, limit int) ([]*AnswerRecord, error) {
	query := `
		SELECT id, question, answer, ok, elapsed_ms, used_tokens,
		       timeout_ms, timeout_source, attempts, pushed_to, created_at
		FROM answers
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying answers: %w", err)
	}
	defer rows.Close()

	var records []*AnswerRecord
	for rows.Next() {
		rec, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning answer: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating answers: %w", err)
	}
	return records, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAnswer(row scanner) (*AnswerRecord, error) {
	var rec AnswerRecord
	var ok int
	var createdAt string

	err := row.Scan(
		&rec.ID,
		&rec.Question,
		&rec.Answer,
		&ok,
		&rec.ElapsedMS,
		&rec.UsedTokens,
		&rec.TimeoutMS,
		&rec.TimeoutSource,
		&rec.Attempts,
		&rec.PushedTo,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.OK = ok != 0
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
