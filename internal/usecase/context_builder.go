package usecase

import (
	"time"

	"chatstream/internal/domain"
)

// systemMessageID identifies the synthetic system prompt message in a RunInput.
const systemMessageID = "system"

// ContextBuilder constructs the RunInput for a transport call.
type ContextBuilder struct {
	systemPrompt string
	maxMessages  int
}

// NewContextBuilder creates a new context builder. maxMessages <= 0 keeps the
// whole history.
func NewContextBuilder(systemPrompt string, maxMessages int) *ContextBuilder {
	return &ContextBuilder{
		systemPrompt: systemPrompt,
		maxMessages:  maxMessages,
	}
}

// Build assembles: system prompt + truncated conversation history, plus the
// advertised tools and context entries.
func (cb *ContextBuilder) Build(
	threadID, runID string,
	history []domain.Message,
	tools []domain.ToolDefinition,
	entries []domain.ContextEntry,
) domain.RunInput {
	hist := cb.truncateHistory(history)
	messages := make([]domain.Message, 0, 1+len(hist))

	if cb.systemPrompt != "" {
		messages = append(messages, domain.Message{
			ID:        systemMessageID,
			Role:      domain.RoleSystem,
			Parts:     []domain.Part{domain.TextPart(cb.systemPrompt)},
			CreatedAt: time.Now(),
		})
	}
	messages = append(messages, domain.CloneMessages(hist)...)

	return domain.RunInput{
		ThreadID: threadID,
		RunID:    runID,
		Messages: messages,
		Tools:    tools,
		Context:  entries,
	}
}

// truncateHistory keeps the most recent messages. Tool results live inside
// their assistant message, so no call is ever separated from its result.
// A leading assistant message left without the user turn before it is
// dropped.
func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.maxMessages <= 0 || len(history) <= cb.maxMessages {
		return history
	}
	kept := history[len(history)-cb.maxMessages:]
	for len(kept) > 1 && kept[0].Role == domain.RoleAssistant {
		kept = kept[1:]
	}
	return kept
}
