package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatstream/internal/domain"
)

const defaultPersistTimeout = 5 * time.Second

// TranscriptSync mirrors a session into a TranscriptStore. The conversation
// is saved each time the session goes idle; a reset deletes the stored
// thread.
type TranscriptSync struct {
	store   domain.TranscriptStore
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.Mutex
	lastThread string
	lastSaved  uint64
}

// NewTranscriptSync creates a sync writing into store.
func NewTranscriptSync(store domain.TranscriptStore, logger *slog.Logger) *TranscriptSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscriptSync{store: store, logger: logger, timeout: defaultPersistTimeout}
}

// Restore loads the most recent transcript into m. An empty store is not an
// error. Call it before Attach.
func (s *TranscriptSync) Restore(ctx context.Context, m *SessionManager) error {
	t, err := s.store.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.Restore(t.ThreadID, t.Messages); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastThread = t.ThreadID
	s.mu.Unlock()
	return nil
}

// Attach starts saving m's snapshots. The returned function detaches.
func (s *TranscriptSync) Attach(m *SessionManager) func() {
	return m.Subscribe(s.observe)
}

func (s *TranscriptSync) observe(snap Snapshot) {
	if snap.IsResponding {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if snap.ThreadID == "" {
		if len(snap.Messages) == 0 && s.lastThread != "" {
			if err := s.store.Delete(ctx, s.lastThread); err != nil {
				s.logger.Warn("transcript delete failed", "thread_id", s.lastThread, "error", err)
				return
			}
			s.logger.Debug("transcript deleted", "thread_id", s.lastThread)
			s.lastThread = ""
		}
		return
	}
	if snap.ThreadID == s.lastThread && snap.Version <= s.lastSaved {
		return
	}

	if err := s.store.Save(ctx, snap.ThreadID, snap.Messages); err != nil {
		s.logger.Warn("transcript save failed", "thread_id", snap.ThreadID, "error", err)
		return
	}
	s.lastThread = snap.ThreadID
	s.lastSaved = snap.Version
	s.logger.Debug("transcript saved", "thread_id", snap.ThreadID, "messages", len(snap.Messages))
}
