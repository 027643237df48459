package usecase

import (
	"context"
	"log/slog"
	"time"

	"chatstream/internal/domain"
)

// Termination describes how a run's stream ended.
type Termination int

const (
	TerminationFinished  Termination = iota // stream closed normally, RUN_FINISHED emitted
	TerminationCancelled                    // abort-classified, nothing emitted
	TerminationFailed                       // RUN_ERROR emitted
	TerminationDetached                     // consumer stopped accepting events
)

func (t Termination) String() string {
	switch t {
	case TerminationFinished:
		return "finished"
	case TerminationCancelled:
		return "cancelled"
	case TerminationFailed:
		return "failed"
	case TerminationDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// EmitFunc receives protocol events in order. Returning false detaches the
// boundary from the stream.
type EmitFunc func(domain.Event) bool

// ProtocolBoundary frames one run's reduced event stream with RUN_STARTED and
// exactly one terminal event, and classifies how the stream ended.
type ProtocolBoundary struct {
	threadID    string
	runID       string
	messageID   string
	classifier  *ErrorClassifier
	idleTimeout time.Duration
	logger      *slog.Logger
}

// BoundaryConfig configures a ProtocolBoundary.
type BoundaryConfig struct {
	ThreadID    string
	RunID       string
	MessageID   string // assistant message the run's deltas are attributed to
	Classifier  *ErrorClassifier
	IdleTimeout time.Duration // zero disables the idle check
	Logger      *slog.Logger
}

// NewProtocolBoundary creates a boundary for one run.
func NewProtocolBoundary(cfg BoundaryConfig) *ProtocolBoundary {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = NewErrorClassifier()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProtocolBoundary{
		threadID:    cfg.ThreadID,
		runID:       cfg.RunID,
		messageID:   cfg.MessageID,
		classifier:  classifier,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger,
	}
}

// Run drains stream through the chunk reducer and hands every event to emit.
// It returns once the stream ends, ctx is cancelled, or emit detaches.
func (b *ProtocolBoundary) Run(ctx context.Context, stream <-chan domain.WireEvent, emit EmitFunc) (Termination, error) {
	if !emit(domain.Event{Type: domain.EventRunStarted, ThreadID: b.threadID, RunID: b.runID}) {
		return TerminationDetached, nil
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if b.idleTimeout > 0 {
		timer = time.NewTimer(b.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	state := NewReducerState(b.messageID)
	for {
		select {
		case <-ctx.Done():
			return b.terminate(ctx.Err(), emit)

		case <-idle:
			return b.terminate(domain.NewDomainError("ProtocolBoundary.Run", domain.ErrStreamIdle, b.idleTimeout.String()), emit)

		case we, ok := <-stream:
			if !ok {
				if err := ctx.Err(); err != nil {
					return b.terminate(err, emit)
				}
				return b.finish(state, emit)
			}
			if we.Err != nil {
				return b.terminate(we.Err, emit)
			}

			var events []domain.Event
			state, events = Reduce(state, we.Chunk)
			for _, ev := range events {
				if !emit(ev) {
					return TerminationDetached, nil
				}
			}

			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.idleTimeout)
			}
		}
	}
}

func (b *ProtocolBoundary) finish(state ReducerState, emit EmitFunc) (Termination, error) {
	for _, dropped := range state.Unstarted() {
		b.logger.Warn("tool call dropped: id never arrived",
			"run_id", b.runID, "index", dropped.Index, "tool", dropped.Name)
	}

	_, events := Flush(state)
	for _, ev := range events {
		if !emit(ev) {
			return TerminationDetached, nil
		}
	}
	if !emit(domain.Event{Type: domain.EventRunFinished, ThreadID: b.threadID, RunID: b.runID}) {
		return TerminationDetached, nil
	}
	return TerminationFinished, nil
}

func (b *ProtocolBoundary) terminate(err error, emit EmitFunc) (Termination, error) {
	classified := b.classifier.Classify(err)
	if classified.Category == ErrorCategoryAbort {
		b.logger.Debug("run cancelled", "run_id", b.runID, "error", err)
		return TerminationCancelled, err
	}

	b.logger.Warn("run failed", "run_id", b.runID, "error", err, "code", domain.ErrorCodeOf(err))
	ev := domain.Event{
		Type:     domain.EventRunError,
		ThreadID: b.threadID,
		RunID:    b.runID,
		Error:    err.Error(),
		Code:     domain.ErrorCodeOf(err),
	}
	if !emit(ev) {
		return TerminationDetached, err
	}
	return TerminationFailed, err
}
