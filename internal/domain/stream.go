package domain

// Finish reasons reported by the provider on the last chunk of a choice.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Chunk is one unit of the raw provider wire stream in the OpenAI
// chat-completions streaming shape.
type Chunk struct {
	ID      string        `json:"id,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the incremental delta for one choice.
type ChunkChoice struct {
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason,omitempty"`
}

// ChunkDelta is the incremental content of a choice.
type ChunkDelta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. Index is stable for
// one call within a run; ID and Function.Name may arrive after the first
// argument fragments.
type ToolCallDelta struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function *ToolCallFunctionDelta `json:"function,omitempty"`
}

// ToolCallFunctionDelta carries the name and argument fragment of a tool call.
type ToolCallFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// WireEvent is one item of a transport stream. A WireEvent with a non-nil Err
// terminates the stream; closing the channel signals normal completion.
type WireEvent struct {
	Chunk Chunk
	Err   error
}

// FinishReason returns a pointer to reason, for building chunks.
func FinishReason(reason string) *string { return &reason }
