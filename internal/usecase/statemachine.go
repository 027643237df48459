package usecase

import (
	"encoding/json"
	"log/slog"
	"maps"

	"chatstream/internal/domain"
)

// ToolCallReady is the one-time notification that a tool call has finished
// streaming and can be executed.
type ToolCallReady struct {
	ToolCallID string
	ToolName   string
	Args       map[string]any
	MessageID  string
}

type textCursor struct {
	messageID   string
	accumulated string
}

type toolCursor struct {
	messageID  string
	ended      bool
	dispatched bool
}

// SessionStateMachine applies protocol events to a Conversation. It holds at
// most one open text cursor and any number of tool-call cursors, scoped to
// the current run. It is not safe for concurrent use.
type SessionStateMachine struct {
	conv   *Conversation
	logger *slog.Logger

	runID string
	text  *textCursor
	tools map[string]*toolCursor
}

// NewSessionStateMachine creates a state machine writing into conv.
func NewSessionStateMachine(conv *Conversation, logger *slog.Logger) *SessionStateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStateMachine{
		conv:   conv,
		logger: logger,
		tools:  make(map[string]*toolCursor),
	}
}

// Reset drops every cursor.
func (sm *SessionStateMachine) Reset() {
	sm.runID = ""
	sm.text = nil
	clear(sm.tools)
}

// Apply folds one event into the conversation and returns the tool calls
// that became ready for execution. Events that violate the protocol are
// logged and ignored.
func (sm *SessionStateMachine) Apply(ev domain.Event) []ToolCallReady {
	switch ev.Type {
	case domain.EventRunStarted:
		sm.Reset()
		sm.runID = ev.RunID
	case domain.EventTextStart:
		sm.textStart(ev)
	case domain.EventTextDelta:
		sm.textDelta(ev)
	case domain.EventTextEnd:
		sm.textEnd(ev)
	case domain.EventToolCallStart:
		sm.toolStart(ev)
	case domain.EventToolCallArgsDelta:
		sm.toolArgsDelta(ev)
	case domain.EventToolCallEnd:
		return sm.toolEnd(ev)
	case domain.EventRunFinished, domain.EventRunError:
		sm.Reset()
	default:
		sm.violation(ev, "unknown event type")
	}
	return nil
}

func (sm *SessionStateMachine) violation(ev domain.Event, reason string) {
	sm.logger.Warn("protocol violation ignored",
		"error", domain.ErrProtocolViolation,
		"reason", reason,
		"event", ev.Type,
		"run_id", sm.runID,
		"message_id", ev.MessageID,
		"tool_call_id", ev.ToolCallID,
	)
}

// ensureAssistant returns the stored message with id, creating an empty
// assistant message when absent.
func (sm *SessionStateMachine) ensureAssistant(id string) *domain.Message {
	if msg := sm.conv.Message(id); msg != nil {
		return msg
	}
	sm.conv.Append(domain.Message{ID: id, Role: domain.RoleAssistant, Parts: []domain.Part{}})
	return sm.conv.Message(id)
}

func (sm *SessionStateMachine) textStart(ev domain.Event) {
	if ev.MessageID == "" {
		sm.violation(ev, "text start without message id")
		return
	}
	if sm.text != nil && sm.text.messageID == ev.MessageID {
		sm.violation(ev, "text cursor already open")
		return
	}

	msg := sm.conv.Message(ev.MessageID)
	if msg == nil {
		sm.conv.Append(domain.Message{
			ID:    ev.MessageID,
			Role:  domain.RoleAssistant,
			Parts: []domain.Part{domain.TextPart("")},
		})
		sm.text = &textCursor{messageID: ev.MessageID}
		return
	}

	// Reopening continues the trailing text part.
	cur := &textCursor{messageID: ev.MessageID}
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == domain.PartText {
		cur.accumulated = msg.Parts[n-1].Text
	}
	sm.text = cur
}

func (sm *SessionStateMachine) textDelta(ev domain.Event) {
	if sm.text == nil || sm.text.messageID != ev.MessageID {
		sm.violation(ev, "text delta without open cursor")
		return
	}
	msg := sm.conv.Message(ev.MessageID)
	if msg == nil {
		sm.violation(ev, "text delta for missing message")
		sm.text = nil
		return
	}

	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == domain.PartText {
		sm.text.accumulated += ev.Delta
		msg.Parts[n-1].Text = sm.text.accumulated
		return
	}
	sm.text.accumulated = ev.Delta
	msg.Parts = append(msg.Parts, domain.TextPart(sm.text.accumulated))
}

func (sm *SessionStateMachine) textEnd(ev domain.Event) {
	if sm.text == nil || sm.text.messageID != ev.MessageID {
		sm.violation(ev, "text end without open cursor")
		return
	}
	sm.text = nil
}

func (sm *SessionStateMachine) toolStart(ev domain.Event) {
	if ev.ToolCallID == "" {
		sm.violation(ev, "tool call start without id")
		return
	}
	if _, ok := sm.tools[ev.ToolCallID]; ok {
		sm.violation(ev, "duplicate tool call start")
		return
	}
	if inv, _ := sm.conv.FindToolInvocation(ev.ToolCallID); inv != nil {
		sm.violation(ev, "tool call id already in conversation")
		return
	}

	parentID := ev.ParentMessageID
	if parentID == "" {
		if sm.text != nil {
			parentID = sm.text.messageID
		} else {
			parentID = newID()
		}
	}
	msg := sm.ensureAssistant(parentID)
	msg.Parts = append(msg.Parts, domain.Part{
		Type: domain.PartToolInvocation,
		ToolInvocation: &domain.ToolInvocation{
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Status:     domain.ToolStatusPartialCall,
		},
	})
	sm.tools[ev.ToolCallID] = &toolCursor{messageID: parentID}
}

func (sm *SessionStateMachine) toolArgsDelta(ev domain.Event) {
	cur, ok := sm.tools[ev.ToolCallID]
	if !ok {
		sm.violation(ev, "args delta for unknown tool call")
		return
	}
	if cur.ended {
		sm.violation(ev, "args delta after tool call end")
		return
	}
	inv, _ := sm.conv.FindToolInvocation(ev.ToolCallID)
	if inv == nil || inv.Status != domain.ToolStatusPartialCall {
		sm.violation(ev, "args delta for settled tool call")
		return
	}

	inv.Args += ev.ArgsDelta
	if parsed := parsePartialArgs(inv.Args); parsed != nil {
		inv.ParsedArgs = parsed
	}
}

func (sm *SessionStateMachine) toolEnd(ev domain.Event) []ToolCallReady {
	cur, ok := sm.tools[ev.ToolCallID]
	if !ok {
		sm.violation(ev, "end for unknown tool call")
		return nil
	}
	cur.ended = true

	inv, _ := sm.conv.FindToolInvocation(ev.ToolCallID)
	if inv == nil {
		sm.violation(ev, "end for removed tool call")
		return nil
	}
	if inv.Status.CanAdvanceTo(domain.ToolStatusCall) {
		inv.Status = domain.ToolStatusCall
		inv.ParsedArgs = sm.finalArgs(inv)
	}

	if cur.dispatched || inv.Status != domain.ToolStatusCall {
		return nil
	}
	cur.dispatched = true
	return []ToolCallReady{{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Args:       maps.Clone(inv.ParsedArgs),
		MessageID:  cur.messageID,
	}}
}

// finalArgs strictly decodes the completed argument text. Empty arguments
// mean a call without parameters.
func (sm *SessionStateMachine) finalArgs(inv *domain.ToolInvocation) map[string]any {
	if inv.Args == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(inv.Args), &out); err != nil || out == nil {
		sm.logger.Debug("tool arguments not parseable",
			"error", domain.ErrMalformedArgs,
			"tool_call_id", inv.ToolCallID,
			"tool", inv.ToolName,
			"cause", err,
		)
		if inv.ParsedArgs != nil {
			return inv.ParsedArgs
		}
		return map[string]any{}
	}
	return out
}
