package domain

import (
	"encoding/json"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleData      = "data"
)

// Part type tags.
const (
	PartText           = "text"
	PartToolInvocation = "tool-invocation"
	PartReasoning      = "reasoning"
	PartFile           = "file"
	PartSource         = "source"
)

// ToolStatus is the lifecycle status of a tool invocation.
type ToolStatus string

const (
	ToolStatusPartialCall ToolStatus = "partial-call"
	ToolStatusCall        ToolStatus = "call"
	ToolStatusResult      ToolStatus = "result"
	ToolStatusError       ToolStatus = "error"
	ToolStatusCancelled   ToolStatus = "cancelled"
)

// rank orders statuses along partial-call -> call -> terminal.
func (s ToolStatus) rank() int {
	switch s {
	case ToolStatusPartialCall:
		return 0
	case ToolStatusCall:
		return 1
	case ToolStatusResult, ToolStatusError, ToolStatusCancelled:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether s is result, error or cancelled.
func (s ToolStatus) IsTerminal() bool { return s.rank() == 2 }

// CanAdvanceTo reports whether a transition from s to next moves forward.
// Terminal states are absorbing.
func (s ToolStatus) CanAdvanceTo(next ToolStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ToolInvocation is the structured record of one tool call's lifecycle.
type ToolInvocation struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       string         `json:"args"`
	ParsedArgs map[string]any `json:"parsedArgs,omitempty"`
	Status     ToolStatus     `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Part is one element of a message. Type selects which fields are meaningful;
// variants other than text and tool-invocation are carried opaquely in Raw.
type Part struct {
	Type           string          `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message represents a single message in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}

// ToolInvocations returns the message's tool invocations in part order.
func (m Message) ToolInvocations() []ToolInvocation {
	var out []ToolInvocation
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation && p.ToolInvocation != nil {
			out = append(out, *p.ToolInvocation)
		}
	}
	return out
}

// Clone returns a deep copy of the message. Tool invocation payloads
// (ParsedArgs, Result) are shared; they are treated as immutable values.
func (m Message) Clone() Message {
	cp := m
	cp.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.ToolInvocation != nil {
			ti := *p.ToolInvocation
			p.ToolInvocation = &ti
		}
		cp.Parts[i] = p
	}
	return cp
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
