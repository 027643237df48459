package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

const (
	defaultMaxContinuations = 10
	baseRetryDelay          = 500 * time.Millisecond
	maxRetryDelay           = 8 * time.Second
)

// SessionDeps holds the collaborators of a SessionManager.
type SessionDeps struct {
	Agent          domain.Agent                // required
	Tools          domain.ToolExecutorRegistry // optional, nil = every tool call fails
	Context        domain.ContextProvider      // optional
	ContextBuilder *ContextBuilder             // optional, nil = no system prompt, full history
	Classifier     *ErrorClassifier            // optional, nil = default classifier
	Bus            domain.EventBus             // optional
	Logger         *slog.Logger

	// MaxContinuations caps automatic runs triggered by tool results since
	// the last user message.
	MaxContinuations int
	// MaxRunRetries is how often a retryable failure to start a run is
	// retried before the run fails.
	MaxRunRetries     int
	StreamIdleTimeout time.Duration // zero disables
	ToolTimeout       time.Duration // zero disables
}

// AddToolResultOptions controls AddToolResult.
type AddToolResultOptions struct {
	// TriggerAgent starts a continuation run once every tool call of the
	// owning assistant message has settled.
	TriggerAgent bool
}

// Snapshot is an immutable view of a session handed to observers.
type Snapshot struct {
	ThreadID     string
	RunID        string
	IsResponding bool
	Messages     []domain.Message
	Version      uint64
}

type observer struct {
	fn   func(Snapshot)
	last uint64
}

// SessionManager owns one conversation and the lifecycle of the runs that
// extend it. At most one run is attached at a time; every mutation of the
// conversation happens under mu.
type SessionManager struct {
	deps       SessionDeps
	logger     *slog.Logger
	builder    *ContextBuilder
	classifier *ErrorClassifier

	mu            sync.Mutex
	conv          *Conversation
	machine       *SessionStateMachine
	run           domain.RunSession
	generation    uint64
	cancelRun     context.CancelFunc
	continuations int
	version       uint64
	closed        bool
	toolCtx       context.Context
	cancelTools   context.CancelFunc

	obsMu        sync.Mutex
	observers    map[uint64]*observer
	nextObserver uint64
	notify       chan struct{}
	done         chan struct{}
	notifierDone chan struct{}

	wg sync.WaitGroup
}

// NewSessionManager creates a session manager and starts its observer
// notifier. Call Close to release it.
func NewSessionManager(deps SessionDeps) (*SessionManager, error) {
	if deps.Agent == nil {
		return nil, domain.NewDomainError("NewSessionManager", domain.ErrInvalidInput, "agent transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxContinuations <= 0 {
		deps.MaxContinuations = defaultMaxContinuations
	}
	if deps.MaxRunRetries < 0 {
		deps.MaxRunRetries = 0
	}
	builder := deps.ContextBuilder
	if builder == nil {
		builder = NewContextBuilder("", 0)
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewErrorClassifier()
	}

	conv := NewConversation()
	toolCtx, cancelTools := context.WithCancel(context.Background())
	m := &SessionManager{
		deps:         deps,
		logger:       deps.Logger,
		builder:      builder,
		classifier:   classifier,
		conv:         conv,
		machine:      NewSessionStateMachine(conv, deps.Logger),
		version:      1,
		toolCtx:      toolCtx,
		cancelTools:  cancelTools,
		observers:    make(map[uint64]*observer),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		notifierDone: make(chan struct{}),
	}
	go m.notifyLoop()
	return m, nil
}

// SendMessage appends a user message and starts a run. Blank text is ignored.
func (m *SessionManager) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.NewDomainError("SessionManager.SendMessage", domain.ErrInvalidInput, "session closed")
	}
	m.conv.Append(domain.Message{
		ID:    newID(),
		Role:  domain.RoleUser,
		Parts: []domain.Part{domain.TextPart(text)},
	})
	m.continuations = 0
	threadID := m.run.ThreadID
	m.publishLocked()
	m.mu.Unlock()

	return m.RunAgent(ctx, threadID)
}

// RunAgent starts a run on threadID (a new thread when empty and none is
// attached yet). Any run still attached is torn down first. The run proceeds
// in the background; its outcome is visible through snapshots and the bus.
func (m *SessionManager) RunAgent(ctx context.Context, threadID string) error {
	var tools []domain.ToolDefinition
	if m.deps.Tools != nil {
		tools = m.deps.Tools.Definitions()
	}
	var entries []domain.ContextEntry
	if m.deps.Context != nil {
		entries = m.deps.Context.Entries(ctx)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.NewDomainError("SessionManager.RunAgent", domain.ErrInvalidInput, "session closed")
	}
	m.teardownLocked()

	if threadID == "" {
		threadID = m.run.ThreadID
	}
	if threadID == "" {
		threadID = newID()
	}
	runID := newID()
	messageID := newID()

	repaired, settled := FinalizePendingToolInvocations(m.conv.Msgs)
	if len(settled) > 0 {
		m.conv.Replace(repaired)
		m.logger.Info("interrupted tool calls settled", "thread_id", threadID, "tool_call_ids", settled)
	}
	input := m.builder.Build(threadID, runID, m.conv.Msgs, tools, entries)

	base := domain.ContextWithRunID(domain.ContextWithThreadID(context.WithoutCancel(ctx), threadID), runID)
	runCtx, cancel := context.WithCancel(base)
	m.cancelRun = cancel
	m.run = domain.RunSession{ThreadID: threadID, RunID: runID, IsResponding: true}
	gen := m.generation
	m.wg.Add(1)
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Debug("run starting", "thread_id", threadID, "run_id", runID, "messages", len(input.Messages))
	go m.pump(runCtx, gen, input, messageID)
	return nil
}

// AbortRun cancels the attached run. IsResponding is false when it returns
// and no event of the aborted run reaches the conversation afterwards.
func (m *SessionManager) AbortRun() {
	m.mu.Lock()
	if m.cancelRun == nil && !m.run.IsResponding {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	run := m.run
	m.publishLocked()
	m.mu.Unlock()

	m.deps.Agent.AbortRun()
	m.logger.Info("run aborted", "thread_id", run.ThreadID, "run_id", run.RunID)
	publishEvent(m.deps.Bus, context.Background(), domain.EventRunAborted, run.ThreadID, run)
}

// AddToolResult settles the tool invocation result.ToolCallID. Applying a
// result to an already settled invocation changes nothing.
func (m *SessionManager) AddToolResult(ctx context.Context, result domain.ToolResult, opts AddToolResultOptions) error {
	const op = "SessionManager.AddToolResult"
	if result.ToolCallID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "tool call id is required")
	}
	if !result.Status.IsTerminal() {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("status %q is not terminal", result.Status))
	}

	m.mu.Lock()
	inv, msg := m.conv.FindToolInvocation(result.ToolCallID)
	if inv == nil {
		m.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrNotFound, result.ToolCallID)
	}

	applied := false
	if inv.Status.CanAdvanceTo(result.Status) {
		inv.Status = result.Status
		inv.Result = result.Result
		inv.Error = result.Error
		m.conv.UpdatedAt = time.Now()
		applied = true
		m.publishLocked()
	}

	trigger := false
	if applied && opts.TriggerAgent && allSettled(msg) {
		if m.continuations >= m.deps.MaxContinuations {
			m.logger.Warn("continuation limit reached",
				"thread_id", m.run.ThreadID, "limit", m.deps.MaxContinuations)
		} else {
			m.continuations++
			trigger = true
		}
	}
	threadID := m.run.ThreadID
	m.mu.Unlock()

	if trigger {
		return m.RunAgent(ctx, threadID)
	}
	return nil
}

// Reset aborts any run, drops the conversation and detaches the thread.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	wasResponding := m.teardownLocked()
	m.cancelTools()
	m.toolCtx, m.cancelTools = context.WithCancel(context.Background())
	threadID := m.run.ThreadID
	m.conv.Reset()
	m.run = domain.RunSession{}
	m.continuations = 0
	m.publishLocked()
	m.mu.Unlock()

	if wasResponding {
		m.deps.Agent.AbortRun()
	}
	publishEvent(m.deps.Bus, context.Background(), domain.EventSessionReset, threadID, nil)
}

// Restore replaces the conversation with a saved history and attaches
// threadID, settling tool calls that were interrupted when it was saved.
// It fails while a run is responding.
func (m *SessionManager) Restore(threadID string, msgs []domain.Message) error {
	const op = "SessionManager.Restore"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "session closed")
	}
	if m.run.IsResponding {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "run in progress")
	}

	repaired, settled := FinalizePendingToolInvocations(domain.CloneMessages(msgs))
	if repaired == nil {
		repaired = make([]domain.Message, 0)
	}
	m.conv.Replace(repaired)
	m.machine.Reset()
	m.run = domain.RunSession{ThreadID: threadID}
	m.continuations = 0
	m.publishLocked()
	m.logger.Info("conversation restored", "thread_id", threadID, "messages", len(repaired), "settled", len(settled))
	return nil
}

// RemoveMessages deletes messages by id and returns how many were removed.
func (m *SessionManager) RemoveMessages(ids ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.conv.Remove(ids...)
	if n > 0 {
		m.publishLocked()
	}
	return n
}

// Snapshot returns the current state.
func (m *SessionManager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Messages returns a copy of the conversation.
func (m *SessionManager) Messages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv.Messages()
}

// RunSession returns the attached run.
func (m *SessionManager) RunSession() domain.RunSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// Subscribe registers fn to receive snapshots. Observers are called in
// order on a single goroutine and always see the latest state; intermediate
// states may be skipped. fn may call back into the manager. The returned
// function unsubscribes.
func (m *SessionManager) Subscribe(fn func(Snapshot)) func() {
	m.obsMu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers[id] = &observer{fn: fn}
	m.obsMu.Unlock()

	m.signal()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			delete(m.observers, id)
			m.obsMu.Unlock()
		})
	}
}

// Close aborts the attached run, cancels executing tools, waits for the
// session's goroutines and stops notifying observers.
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	wasResponding := m.teardownLocked()
	m.cancelTools()
	m.mu.Unlock()

	if wasResponding {
		m.deps.Agent.AbortRun()
	}
	m.wg.Wait()
	close(m.done)
	<-m.notifierDone
}

// teardownLocked detaches the attached run, if any, and reports whether it
// was responding.
func (m *SessionManager) teardownLocked() bool {
	m.generation++
	if m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}
	was := m.run.IsResponding
	m.run.IsResponding = false
	m.machine.Reset()
	return was
}

func (m *SessionManager) pump(ctx context.Context, gen uint64, input domain.RunInput, messageID string) {
	defer m.wg.Done()

	ctx, span := tracer.StartSpan(ctx, "session.run",
		trace.WithAttributes(
			tracer.StringAttr("thread.id", input.ThreadID),
			tracer.StringAttr("run.id", input.RunID),
			tracer.IntAttr("messages", len(input.Messages)),
		),
	)
	defer span.End()

	stream := m.startStream(ctx, input)
	boundary := NewProtocolBoundary(BoundaryConfig{
		ThreadID:    input.ThreadID,
		RunID:       input.RunID,
		MessageID:   messageID,
		Classifier:  m.classifier,
		IdleTimeout: m.deps.StreamIdleTimeout,
		Logger:      m.logger,
	})
	term, err := boundary.Run(ctx, stream, func(ev domain.Event) bool {
		return m.apply(ctx, gen, ev)
	})

	switch term {
	case TerminationFinished:
		tracer.SetOK(span)
	case TerminationFailed:
		tracer.RecordError(span, err)
	}
	m.settle(gen, term)
}

// startStream calls the transport, retrying retryable start failures. A
// final failure is returned as a stream carrying only the error.
func (m *SessionManager) startStream(ctx context.Context, input domain.RunInput) <-chan domain.WireEvent {
	for attempt := 0; ; attempt++ {
		stream, err := m.deps.Agent.Run(ctx, input)
		if err == nil {
			return stream
		}
		classified := m.classifier.Classify(err)
		if classified.Category != ErrorCategoryRetryable || attempt >= m.deps.MaxRunRetries {
			return failedStream(err)
		}

		delay := retryBackoff(attempt)
		m.logger.Warn("run start failed, retrying",
			"run_id", input.RunID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return failedStream(ctx.Err())
		case <-time.After(delay):
		}
	}
}

func failedStream(err error) <-chan domain.WireEvent {
	ch := make(chan domain.WireEvent, 1)
	ch <- domain.WireEvent{Err: err}
	close(ch)
	return ch
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// apply hands one event of generation gen to the state machine. It reports
// false once the run is no longer attached.
func (m *SessionManager) apply(ctx context.Context, gen uint64, ev domain.Event) bool {
	m.mu.Lock()
	if m.closed || m.generation != gen {
		m.mu.Unlock()
		return false
	}

	ready := m.machine.Apply(ev)
	if ev.Type == domain.EventRunFinished || ev.Type == domain.EventRunError {
		m.run.IsResponding = false
		if m.cancelRun != nil {
			m.cancelRun()
			m.cancelRun = nil
		}
	}
	toolCtx := m.toolCtx
	threadID := m.run.ThreadID
	m.wg.Add(len(ready))
	m.publishLocked()
	m.mu.Unlock()

	publishEvent(m.deps.Bus, ctx, ev.Type, threadID, ev)
	for _, call := range ready {
		go m.executeTool(toolCtx, threadID, call)
	}
	return true
}

// settle clears the responding flag when the stream ended silently while
// still attached, such as a cancellation raised by the transport itself.
func (m *SessionManager) settle(gen uint64, term Termination) {
	m.mu.Lock()
	if m.generation != gen || !m.run.IsResponding {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	run := m.run
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("run ended without terminal event", "run_id", run.RunID, "termination", term.String())
	publishEvent(m.deps.Bus, context.Background(), domain.EventRunAborted, run.ThreadID, run)
}

// ToolExecutedPayload is published with EventToolExecuted.
type ToolExecutedPayload struct {
	ToolCallID string            `json:"toolCallId"`
	ToolName   string            `json:"toolName"`
	Status     domain.ToolStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

func (m *SessionManager) executeTool(ctx context.Context, threadID string, call ToolCallReady) {
	defer m.wg.Done()

	start := time.Now()
	result := m.invokeTool(ctx, call)
	publishEvent(m.deps.Bus, ctx, domain.EventToolExecuted, threadID, ToolExecutedPayload{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Status:     result.Status,
		Error:      result.Error,
		Duration:   time.Since(start),
	})

	if err := m.AddToolResult(ctx, result, AddToolResultOptions{TriggerAgent: true}); err != nil {
		m.logger.Debug("tool result not applied", "tool_call_id", call.ToolCallID, "error", err)
	}
}

func (m *SessionManager) invokeTool(ctx context.Context, call ToolCallReady) domain.ToolResult {
	ctx, span := tracer.StartSpan(ctx, "session.execute_tool",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.ToolName),
			tracer.StringAttr("tool.call_id", call.ToolCallID),
		),
	)
	defer span.End()

	fail := func(err error) domain.ToolResult {
		tracer.RecordError(span, err)
		m.logger.Warn("tool call failed", "tool", call.ToolName, "tool_call_id", call.ToolCallID, "error", err)
		return domain.ToolResult{ToolCallID: call.ToolCallID, Status: domain.ToolStatusError, Error: err.Error()}
	}

	if m.deps.Tools == nil {
		return fail(domain.NewDomainError("SessionManager.executeTool", domain.ErrToolNotFound, call.ToolName))
	}
	exec, err := m.deps.Tools.Get(call.ToolName)
	if err != nil {
		return fail(err)
	}

	if m.deps.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.deps.ToolTimeout)
		defer cancel()
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	outcome, err := safeExecute(ctx, exec, call.ToolCallID, call.ToolName, args)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", domain.ErrToolExecution, err))
	}

	result := domain.ToolResult{ToolCallID: call.ToolCallID, Status: domain.ToolStatusResult, Result: outcome.Payload}
	if outcome.Status.IsTerminal() {
		result.Status = outcome.Status
	}
	if result.Status == domain.ToolStatusError {
		result.Error = payloadText(outcome.Payload)
	}
	tracer.SetOK(span)
	return result
}

func safeExecute(ctx context.Context, exec domain.ToolExecutor, toolCallID, toolName string, args map[string]any) (outcome domain.ToolOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", toolName, r)
		}
	}()
	return exec.Execute(ctx, toolCallID, toolName, args)
}

func payloadText(payload any) string {
	switch v := payload.(type) {
	case nil:
		return "tool reported an error"
	case string:
		return v
	case error:
		return v.Error()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// allSettled reports whether every tool invocation of msg is terminal.
func allSettled(msg *domain.Message) bool {
	for _, p := range msg.Parts {
		if p.Type == domain.PartToolInvocation && p.ToolInvocation != nil && !p.ToolInvocation.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (m *SessionManager) snapshotLocked() Snapshot {
	return Snapshot{
		ThreadID:     m.run.ThreadID,
		RunID:        m.run.RunID,
		IsResponding: m.run.IsResponding,
		Messages:     m.conv.Messages(),
		Version:      m.version,
	}
}

func (m *SessionManager) publishLocked() {
	m.version++
	m.signal()
}

func (m *SessionManager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *SessionManager) notifyLoop() {
	defer close(m.notifierDone)
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		m.mu.Lock()
		snap := m.snapshotLocked()
		m.mu.Unlock()

		m.obsMu.Lock()
		var targets []func(Snapshot)
		for _, o := range m.observers {
			if o.last < snap.Version {
				o.last = snap.Version
				targets = append(targets, o.fn)
			}
		}
		m.obsMu.Unlock()

		for _, fn := range targets {
			m.deliver(fn, snap)
		}
	}
}

func (m *SessionManager) deliver(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("snapshot observer panicked", "panic", r)
		}
	}()
	fn(snap)
}

// publishEvent publishes a session event on the bus if it is configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, threadID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.BusEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		ThreadID:  threadID,
		Payload:   raw,
	})
}
