package domain

import "context"

// ContextEntry is a piece of ambient application context forwarded to the
// model with every run.
type ContextEntry struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// ContextProvider supplies the context entries for the next run.
type ContextProvider interface {
	Entries(ctx context.Context) []ContextEntry
}

// StaticContext is a ContextProvider returning a fixed set of entries.
type StaticContext []ContextEntry

// Entries implements ContextProvider.
func (s StaticContext) Entries(context.Context) []ContextEntry {
	out := make([]ContextEntry, len(s))
	copy(out, s)
	return out
}

type ctxKey string

const (
	threadCtxKey ctxKey = "thread_id"
	runCtxKey    ctxKey = "run_id"
)

// ContextWithThreadID returns a new context carrying the thread ID.
func ContextWithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadCtxKey, threadID)
}

// ThreadIDFromContext extracts the thread ID from the context.
// Returns empty string if not set.
func ThreadIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(threadCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRunID returns a new context carrying the run ID.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey, runID)
}

// RunIDFromContext extracts the run ID from the context.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey).(string); ok {
		return v
	}
	return ""
}
