package domain

import "context"

// RunInput is everything the transport needs to perform one run.
type RunInput struct {
	ThreadID string           `json:"threadId"`
	RunID    string           `json:"runId"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Context  []ContextEntry   `json:"context,omitempty"`
}

// Agent is the model transport. Run starts one streaming request and returns
// its chunk stream; the channel is closed when the stream ends.
type Agent interface {
	Run(ctx context.Context, input RunInput) (<-chan WireEvent, error)
	// AbortRun cancels the in-flight run, if any. It must be safe to call
	// when nothing is running.
	AbortRun()
	// Name returns the transport's identifier (e.g., "openai", "groq").
	Name() string
}

// RunSession describes the run currently attached to a session.
type RunSession struct {
	ThreadID     string `json:"threadId"`
	RunID        string `json:"runId"`
	IsResponding bool   `json:"isResponding"`
}
