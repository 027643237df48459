package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAgent starts an httptest server running handler and returns an
// agent pointed at it.
func newTestAgent(t *testing.T, handler http.HandlerFunc, opts ...OpenAIOption) *OpenAIAgent {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{Name: "test", Type: "openai", Model: "gpt-test", APIKey: "test-key", BaseURL: srv.URL + "/"}
	return NewOpenAIAgent(cfg, newTestLogger(), opts...)
}

// writeSSE writes data lines followed by [DONE].
func writeSSE(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func collect(t *testing.T, ch <-chan domain.WireEvent) []domain.WireEvent {
	t.Helper()
	var out []domain.WireEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

func testInput() domain.RunInput {
	return domain.RunInput{
		ThreadID: "th",
		RunID:    "run",
		Messages: []domain.Message{{ID: "u1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("hi")}}},
	}
}

func TestOpenAIAgentStreamsChunks(t *testing.T) {
	agent := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth: %s", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected accept: %s", got)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.Model != "gpt-test" {
			t.Errorf("unexpected request: %+v", req)
		}
		writeSSE(w,
			`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		)
	})

	ch, err := agent.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	var text string
	for _, ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		text += ev.Chunk.Choices[0].Delta.Content
	}
	if text != "Hello" {
		t.Errorf("text = %q, want %q", text, "Hello")
	}
	if fr := events[1].Chunk.Choices[0].FinishReason; fr == nil || *fr != domain.FinishStop {
		t.Errorf("finish reason = %v", fr)
	}
}

func TestOpenAIAgentToolCallChunks(t *testing.T) {
	agent := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"clock","arguments":"{\"time"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"zone\":\"UTC\"}"}}]},"finish_reason":"tool_calls"}]}`,
		)
	})

	ch, err := agent.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	first := events[0].Chunk.Choices[0].Delta.ToolCalls[0]
	if first.ID != "call_1" || first.Function == nil || first.Function.Name != "clock" {
		t.Errorf("first tool delta = %+v", first)
	}
	args := first.Function.Arguments + events[1].Chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments
	if args != `{"timezone":"UTC"}` {
		t.Errorf("args = %q", args)
	}
}

func TestOpenAIAgentHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusBadRequest, domain.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			agent := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			})

			_, err := agent.Run(context.Background(), testInput())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, domain.ErrTransport) {
				t.Errorf("err should wrap ErrTransport: %v", err)
			}
			if !strings.Contains(err.Error(), fmt.Sprintf("API error %d", tt.status)) {
				t.Errorf("err should carry the status: %v", err)
			}
		})
	}
}

func TestOpenAIAgentStreamErrorPayload(t *testing.T) {
	agent := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"content":"par"}}]}`,
			`{"error":{"message":"overloaded","type":"server_error"}}`,
			`{"choices":[{"delta":{"content":"never"}}]}`,
		)
	})

	ch, err := agent.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	last := events[1].Err
	if !errors.Is(last, domain.ErrProviderError) || !strings.Contains(last.Error(), "overloaded") {
		t.Errorf("last event err = %v", last)
	}
}

func TestOpenAIAgentAbortRun(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	agent := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})

	ch, err := agent.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Err != nil || ev.Chunk.Choices[0].Delta.Content != "a" {
			t.Fatalf("first event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no first chunk")
	}

	agent.AbortRun()

	rest := collect(t, ch)
	if len(rest) != 1 {
		t.Fatalf("got %d events after abort, want 1: %+v", len(rest), rest)
	}
	if !errors.Is(rest[0].Err, domain.ErrRunAborted) {
		t.Errorf("err = %v, want ErrRunAborted", rest[0].Err)
	}
}

func TestOpenAIAgentAbortWithNothingRunning(t *testing.T) {
	agent := NewOpenAIAgent(config.ProviderConfig{Name: "idle"}, newTestLogger())
	agent.AbortRun()
	if agent.Name() != "idle" {
		t.Errorf("Name = %q", agent.Name())
	}
}

func TestOpenAIAgentCancelledBeforeStart(t *testing.T) {
	agent := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agent.Run(ctx, testInput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOpenAIAgentRateLimit(t *testing.T) {
	agent := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w)
	}, WithRateLimit(1, 1))

	ch, err := agent.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	collect(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = agent.Run(ctx, testInput())
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("err = %v, want ErrRateLimit", err)
	}
}

func TestOpenAIAgentRequestShape(t *testing.T) {
	temp := 0.2
	agent := NewOpenAIAgent(config.ProviderConfig{Name: "x", Model: "m", MaxTokens: 256, Temperature: &temp}, newTestLogger())

	input := testInput()
	input.Tools = []domain.ToolDefinition{
		{Name: "clock", Description: "time"},
		{Name: "echo", Parameters: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)},
	}
	req := agent.toRequest(input)

	if req.Model != "m" || req.MaxTokens != 256 || req.Temperature == nil || *req.Temperature != 0.2 || !req.Stream {
		t.Errorf("unexpected request header fields: %+v", req)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(req.Tools))
	}
	if string(req.Tools[0].Function.Parameters) != string(emptyParameters) {
		t.Errorf("missing parameters not defaulted: %s", req.Tools[0].Function.Parameters)
	}
	if req.Tools[1].Type != "function" || !strings.Contains(string(req.Tools[1].Function.Parameters), "text") {
		t.Errorf("tool = %+v", req.Tools[1])
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := []domain.Message{
		{ID: "s", Role: domain.RoleSystem, Parts: []domain.Part{domain.TextPart("be brief")}},
		{ID: "u1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("time?")}},
		{ID: "d1", Role: domain.RoleData, Parts: []domain.Part{domain.TextPart("ignored")}},
		{ID: "a1", Role: domain.RoleAssistant, Parts: []domain.Part{
			domain.TextPart("Checking."),
			{Type: domain.PartToolInvocation, ToolInvocation: &domain.ToolInvocation{
				ToolCallID: "call_1", ToolName: "clock", Args: `{"timezone":"UTC"}`,
				Status: domain.ToolStatusResult, Result: map[string]any{"time": "noon"},
			}},
			{Type: domain.PartToolInvocation, ToolInvocation: &domain.ToolInvocation{
				ToolCallID: "call_2", ToolName: "echo",
				Status: domain.ToolStatusError, Error: "boom",
			}},
		}},
		{ID: "a2", Role: domain.RoleAssistant, Parts: []domain.Part{
			{Type: domain.PartToolInvocation, ToolInvocation: &domain.ToolInvocation{
				ToolCallID: "call_3", ToolName: "clock", Status: domain.ToolStatusPartialCall,
			}},
		}},
	}
	entries := []domain.ContextEntry{{Description: "locale", Value: "en-US"}}

	out := toOpenAIMessages(msgs, entries)

	roles := make([]string, len(out))
	for i, m := range out {
		roles[i] = m.Role
	}
	want := []string{"system", "system", "user", "assistant", "tool", "tool"}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("roles = %v, want %v", roles, want)
	}

	if !strings.Contains(out[1].Content, "locale: en-US") {
		t.Errorf("context message = %q", out[1].Content)
	}
	asst := out[3]
	if asst.Content != "Checking." || len(asst.ToolCalls) != 2 {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"timezone":"UTC"}` || asst.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("tool call args = %q, %q", asst.ToolCalls[0].Function.Arguments, asst.ToolCalls[1].Function.Arguments)
	}
	if out[4].ToolCallID != "call_1" || out[4].Content != `{"time":"noon"}` {
		t.Errorf("result message = %+v", out[4])
	}
	if out[5].ToolCallID != "call_2" || out[5].Content != "Error: boom" {
		t.Errorf("error message = %+v", out[5])
	}
}

func TestToolResultContent(t *testing.T) {
	tests := []struct {
		name string
		inv  domain.ToolInvocation
		want string
	}{
		{"string result", domain.ToolInvocation{Status: domain.ToolStatusResult, Result: "plain"}, "plain"},
		{"nil result", domain.ToolInvocation{Status: domain.ToolStatusResult}, "null"},
		{"number result", domain.ToolInvocation{Status: domain.ToolStatusResult, Result: 42}, "42"},
		{"error", domain.ToolInvocation{Status: domain.ToolStatusError, Error: "bad"}, "Error: bad"},
		{"cancelled with reason", domain.ToolInvocation{Status: domain.ToolStatusCancelled, Error: "aborted"}, "Cancelled: aborted"},
		{"cancelled", domain.ToolInvocation{Status: domain.ToolStatusCancelled}, "Cancelled: the tool call did not complete."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolResultContent(tt.inv); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
