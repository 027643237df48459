package domain

import (
	"context"
	"time"
)

// Transcript is a persisted conversation.
type Transcript struct {
	ThreadID  string
	Messages  []Message
	UpdatedAt time.Time
}

// TranscriptStore persists conversations across process restarts.
type TranscriptStore interface {
	// Save replaces the stored messages of threadID.
	Save(ctx context.Context, threadID string, msgs []Message) error
	// Latest returns the most recently saved transcript, or ErrNotFound.
	Latest(ctx context.Context) (*Transcript, error)
	// Delete removes threadID. Deleting an unknown thread is not an error.
	Delete(ctx context.Context, threadID string) error
	Close() error
}
