package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatstream/internal/domain"
)

// timeLayout is fixed-width so updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteTranscriptStore implements domain.TranscriptStore using SQLite.
type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ domain.TranscriptStore = (*SQLiteTranscriptStore)(nil)

// NewSQLiteTranscriptStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteTranscriptStore(dbPath string) (*SQLiteTranscriptStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// A single connection keeps writes serialized and makes ":memory:" work.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteTranscriptStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			thread_id  TEXT PRIMARY KEY,
			messages   TEXT NOT NULL DEFAULT '[]',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteTranscriptStore) Close() error {
	return s.db.Close()
}

// Save upserts the messages of threadID.
func (s *SQLiteTranscriptStore) Save(ctx context.Context, threadID string, msgs []domain.Message) error {
	if threadID == "" {
		return domain.NewDomainError("SQLiteTranscriptStore.Save", domain.ErrInvalidInput, "thread id is required")
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (thread_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		threadID, string(data), time.Now().UTC().Format(timeLayout),
	)
	return err
}

// Latest returns the transcript saved last.
func (s *SQLiteTranscriptStore) Latest(ctx context.Context) (*domain.Transcript, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT thread_id, messages, updated_at FROM transcripts ORDER BY updated_at DESC LIMIT 1")

	var t domain.Transcript
	var msgStr, updatedStr string
	if err := row.Scan(&t.ThreadID, &msgStr, &updatedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewDomainError("SQLiteTranscriptStore.Latest", domain.ErrNotFound, "no transcript saved")
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgStr), &t.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal transcript %s: %w", t.ThreadID, err)
	}
	t.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
	return &t, nil
}

// Delete removes threadID.
func (s *SQLiteTranscriptStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM transcripts WHERE thread_id = ?", threadID)
	return err
}
