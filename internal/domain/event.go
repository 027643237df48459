package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

// Normalized lifecycle protocol emitted by the streaming core.
const (
	EventRunStarted        EventType = "RUN_STARTED"
	EventTextStart         EventType = "TEXT_START"
	EventTextDelta         EventType = "TEXT_DELTA"
	EventTextEnd           EventType = "TEXT_END"
	EventToolCallStart     EventType = "TOOL_CALL_START"
	EventToolCallArgsDelta EventType = "TOOL_CALL_ARGS_DELTA"
	EventToolCallEnd       EventType = "TOOL_CALL_END"
	EventRunFinished       EventType = "RUN_FINISHED"
	EventRunError          EventType = "RUN_ERROR"
)

// Session-level notifications published alongside the protocol.
const (
	EventToolExecuted EventType = "tool.executed"
	EventRunAborted   EventType = "run.aborted"
	EventSessionReset EventType = "session.reset"
)

// Event is one normalized protocol event. Only the fields relevant to Type
// are set.
type Event struct {
	Type            EventType `json:"type"`
	ThreadID        string    `json:"threadId,omitempty"`
	RunID           string    `json:"runId,omitempty"`
	MessageID       string    `json:"messageId,omitempty"`
	Delta           string    `json:"delta,omitempty"`
	ToolCallID      string    `json:"toolCallId,omitempty"`
	ToolName        string    `json:"toolName,omitempty"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	ArgsDelta       string    `json:"argsDelta,omitempty"`
	Error           string    `json:"error,omitempty"`
	Code            ErrorCode `json:"code,omitempty"`
}

// BusEvent is the envelope published on the event bus.
type BusEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event BusEvent)

// EventBus provides a publish/subscribe mechanism for session events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event BusEvent)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
