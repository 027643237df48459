package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

// OpenAIAgent implements domain.Agent for any OpenAI-compatible
// /chat/completions streaming endpoint.
type OpenAIAgent struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature *float64
	client      *http.Client
	limiter     *rate.Limiter // nil = unlimited
	logger      *slog.Logger

	mu       sync.Mutex
	nextRun  uint64
	inflight map[uint64]context.CancelCauseFunc
}

// OpenAIOption customizes an OpenAIAgent.
type OpenAIOption func(*OpenAIAgent)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(a *OpenAIAgent) { a.client = c }
}

// WithRateLimit throttles run starts to rpm requests per minute with the
// given burst.
func WithRateLimit(rpm, burst int) OpenAIOption {
	return func(a *OpenAIAgent) {
		if rpm > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), max(burst, 1))
		}
	}
}

// NewOpenAIAgent creates a transport from provider settings.
func NewOpenAIAgent(cfg config.ProviderConfig, logger *slog.Logger, opts ...OpenAIOption) *OpenAIAgent {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &OpenAIAgent{
		name:        cfg.Name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg),
		logger:      logger,
		inflight:    make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements domain.Agent.
func (a *OpenAIAgent) Name() string { return a.name }

// Run implements domain.Agent. The request is bound to ctx and to AbortRun;
// the returned channel carries one WireEvent per streamed chunk.
func (a *OpenAIAgent) Run(ctx context.Context, input domain.RunInput) (<-chan domain.WireEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.run",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", a.name),
			tracer.StringAttr("llm.model", a.model),
			tracer.StringAttr("run.id", input.RunID),
			tracer.IntAttr("llm.messages", len(input.Messages)),
		),
	)
	defer span.End()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = fmt.Errorf("%w: %w: run start throttled: %w", domain.ErrTransport, domain.ErrRateLimit, err)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	body, err := json.Marshal(a.toRequest(input))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}

	runCtx, id := a.track(ctx)
	httpResp, err := doStreamRequest(runCtx, a.client, a.baseURL+"/chat/completions", body, headers)
	if err != nil {
		if runCtx.Err() != nil {
			err = streamCancelErr(runCtx)
		}
		a.untrack(id)
		tracer.RecordError(span, err)
		return nil, err
	}

	a.logger.Debug("llm stream opened",
		"provider", a.name,
		"model", a.model,
		"thread_id", input.ThreadID,
		"run_id", input.RunID,
	)

	events := parseSSEStream(runCtx, httpResp.Body, parseChunk)
	out := make(chan domain.WireEvent)
	go func() {
		defer close(out)
		defer a.untrack(id)
		for ev := range events {
			select {
			case out <- ev:
			case <-runCtx.Done():
				sendTerminal(out, streamCancelErr(runCtx))
				// Drain so the reader can finish and close the body.
				for range events {
				}
				return
			}
		}
	}()

	tracer.SetOK(span)
	return out, nil
}

// AbortRun implements domain.Agent. It cancels every in-flight request.
func (a *OpenAIAgent) AbortRun() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.inflight {
		cancel(domain.ErrRunAborted)
		delete(a.inflight, id)
	}
}

func (a *OpenAIAgent) track(ctx context.Context) (context.Context, uint64) {
	runCtx, cancel := context.WithCancelCause(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextRun++
	a.inflight[a.nextRun] = cancel
	return runCtx, a.nextRun
}

func (a *OpenAIAgent) untrack(id uint64) {
	a.mu.Lock()
	cancel, ok := a.inflight[id]
	delete(a.inflight, id)
	a.mu.Unlock()
	if ok {
		cancel(context.Canceled)
	}
}

// parseChunk decodes one SSE data payload. The chat-completions chunk shape
// is decoded directly into domain.Chunk; an error payload ends the stream.
func parseChunk(data []byte) (*domain.WireEvent, error) {
	var probe struct {
		Error *openaiError `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.Error != nil {
		return &domain.WireEvent{Err: fmt.Errorf("%w: %w: stream error: %s", domain.ErrTransport, domain.ErrProviderError, probe.Error.Message)}, nil
	}

	var chunk domain.Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return &domain.WireEvent{Chunk: chunk}, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// emptyParameters is sent for tools that declare no parameter schema.
var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

func (a *OpenAIAgent) toRequest(input domain.RunInput) openaiRequest {
	req := openaiRequest{
		Model:       a.model,
		Messages:    toOpenAIMessages(input.Messages, input.Context),
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Stream:      true,
	}
	for _, t := range input.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParameters
		}
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return req
}

// toOpenAIMessages flattens the conversation into chat-completions messages.
// Settled tool invocations become an assistant tool_calls entry followed by
// one tool message per call. Data messages are not sent. Context entries
// are appended to the leading system messages.
func toOpenAIMessages(msgs []domain.Message, entries []domain.ContextEntry) []openaiMessage {
	out := make([]openaiMessage, 0, len(msgs)+1)

	i := 0
	for ; i < len(msgs) && msgs[i].Role == domain.RoleSystem; i++ {
		out = append(out, openaiMessage{Role: domain.RoleSystem, Content: msgs[i].Text()})
	}
	if len(entries) > 0 {
		out = append(out, openaiMessage{Role: domain.RoleSystem, Content: formatContext(entries)})
	}

	for _, m := range msgs[i:] {
		switch m.Role {
		case domain.RoleSystem, domain.RoleUser:
			out = append(out, openaiMessage{Role: m.Role, Content: m.Text()})
		case domain.RoleAssistant:
			out = append(out, assistantMessages(m)...)
		}
	}
	return out
}

func assistantMessages(m domain.Message) []openaiMessage {
	msg := openaiMessage{Role: domain.RoleAssistant, Content: m.Text()}
	var results []openaiMessage
	for _, inv := range m.ToolInvocations() {
		if !inv.Status.IsTerminal() {
			continue
		}
		args := inv.Args
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
			ID:   inv.ToolCallID,
			Type: "function",
			Function: openaiToolCallFunction{
				Name:      inv.ToolName,
				Arguments: args,
			},
		})
		results = append(results, openaiMessage{
			Role:       "tool",
			Content:    toolResultContent(inv),
			ToolCallID: inv.ToolCallID,
		})
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil
	}
	return append([]openaiMessage{msg}, results...)
}

// toolResultContent renders a settled invocation as tool message content.
func toolResultContent(inv domain.ToolInvocation) string {
	switch inv.Status {
	case domain.ToolStatusError:
		return "Error: " + inv.Error
	case domain.ToolStatusCancelled:
		if inv.Error != "" {
			return "Cancelled: " + inv.Error
		}
		return "Cancelled: the tool call did not complete."
	}
	if s, ok := inv.Result.(string); ok {
		return s
	}
	if inv.Result == nil {
		return "null"
	}
	b, err := json.Marshal(inv.Result)
	if err != nil {
		return fmt.Sprintf("%v", inv.Result)
	}
	return string(b)
}

func formatContext(entries []domain.ContextEntry) string {
	var sb strings.Builder
	sb.WriteString("Application context:")
	for _, e := range entries {
		sb.WriteString("\n- ")
		sb.WriteString(e.Description)
		sb.WriteString(": ")
		sb.WriteString(e.Value)
	}
	return sb.String()
}

// Compile-time interface check.
var _ domain.Agent = (*OpenAIAgent)(nil)
