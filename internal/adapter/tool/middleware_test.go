package tool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
)

type greetParams struct {
	Name  string `json:"name"`
	Times int    `json:"times"`
}

func TestTyped_DecodesArgs(t *testing.T) {
	exec := Typed("test.greet", nopLogger(), func(_ context.Context, _ trace.Span, p greetParams) (any, error) {
		return strings.Repeat("hi "+p.Name+" ", p.Times), nil
	})

	out, err := exec(context.Background(), "call_1", "greet", map[string]any{"name": "alice", "times": float64(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != domain.ToolStatusResult {
		t.Fatalf("Status = %q, want result", out.Status)
	}
	if out.Payload != "hi alice hi alice " {
		t.Errorf("Payload = %q", out.Payload)
	}
}

func TestTyped_NilArgsGiveZeroParams(t *testing.T) {
	var got greetParams
	exec := Typed("test.greet", nopLogger(), func(_ context.Context, _ trace.Span, p greetParams) (any, error) {
		got = p
		return "ok", nil
	})

	if _, err := exec(context.Background(), "call_1", "greet", nil); err != nil {
		t.Fatal(err)
	}
	if got != (greetParams{}) {
		t.Errorf("params = %+v, want zero value", got)
	}
}

func TestTyped_InvalidArgs(t *testing.T) {
	called := false
	exec := Typed("test.greet", nopLogger(), func(_ context.Context, _ trace.Span, _ greetParams) (any, error) {
		called = true
		return nil, nil
	})

	out, err := exec(context.Background(), "call_1", "greet", map[string]any{"times": "many"})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("handler must not run on invalid arguments")
	}
	if out.Status != domain.ToolStatusError {
		t.Errorf("Status = %q, want error", out.Status)
	}
	if !strings.Contains(out.Payload.(string), "invalid arguments") {
		t.Errorf("Payload = %v", out.Payload)
	}
}

func TestTyped_HandlerError(t *testing.T) {
	exec := Typed("test.fail", nopLogger(), func(_ context.Context, _ trace.Span, _ greetParams) (any, error) {
		return nil, errors.New("backend down")
	})

	out, err := exec(context.Background(), "call_1", "fail", map[string]any{})
	if err != nil {
		t.Fatalf("handler errors become outcomes, got %v", err)
	}
	if out.Status != domain.ToolStatusError || out.Payload != "backend down" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestTyped_OutcomePassthrough(t *testing.T) {
	want := ErrOutcome("refused: %s", "policy")
	exec := Typed("test.refuse", nopLogger(), func(_ context.Context, _ trace.Span, _ greetParams) (any, error) {
		return want, nil
	})

	out, err := exec(context.Background(), "call_1", "refuse", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != want {
		t.Errorf("outcome = %+v, want %+v", out, want)
	}
	if out.Payload != "refused: policy" {
		t.Errorf("Payload = %v", out.Payload)
	}
}
