package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// Built-in tool names.
const (
	ClockToolName = "clock"
	EchoToolName  = "echo"
)

type clockParams struct {
	Timezone string `json:"timezone"`
}

// ClockResult is the payload of the clock tool.
type ClockResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Unix     int64  `json:"unix"`
}

// ClockTool returns the clock tool: the current time, optionally in an IANA
// timezone. now may be nil.
func ClockTool(logger *slog.Logger, now func() time.Time) (domain.ToolDefinition, domain.ToolExecutor) {
	if now == nil {
		now = time.Now
	}
	def := domain.ToolDefinition{
		Name:        ClockToolName,
		Description: "Returns the current date and time.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone, e.g. Europe/Paris. Defaults to UTC."}
			}
		}`),
	}
	exec := Typed("tool.clock", logger, func(_ context.Context, span trace.Span, p clockParams) (any, error) {
		tz := p.Timezone
		if tz == "" {
			tz = "UTC"
		}
		span.SetAttributes(tracer.StringAttr("tool.timezone", tz))
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return ErrOutcome("unknown timezone %q", tz), nil
		}
		t := now().In(loc)
		return ClockResult{Time: t.Format(time.RFC3339), Timezone: tz, Unix: t.Unix()}, nil
	})
	return def, exec
}

type echoParams struct {
	Text string `json:"text"`
}

// EchoTool returns the echo tool, which answers with its text argument.
func EchoTool(logger *slog.Logger) (domain.ToolDefinition, domain.ToolExecutor) {
	def := domain.ToolDefinition{
		Name:        EchoToolName,
		Description: "Echoes the given text back.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
	exec := Typed("tool.echo", logger, func(_ context.Context, _ trace.Span, p echoParams) (any, error) {
		if p.Text == "" {
			return nil, fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
		}
		return p.Text, nil
	})
	return def, exec
}

// builtinFactories maps builtin tool names to their constructors.
func builtinFactories(logger *slog.Logger) map[string]func() (domain.ToolDefinition, domain.ToolExecutor) {
	return map[string]func() (domain.ToolDefinition, domain.ToolExecutor){
		ClockToolName: func() (domain.ToolDefinition, domain.ToolExecutor) { return ClockTool(logger, nil) },
		EchoToolName:  func() (domain.ToolDefinition, domain.ToolExecutor) { return EchoTool(logger) },
		WebFetchToolName: func() (domain.ToolDefinition, domain.ToolExecutor) {
			return WebFetchTool(logger, nil)
		},
	}
}

// RegisterBuiltins registers the named builtin tools, or clock and echo
// when names is empty.
func RegisterBuiltins(r *Registry, logger *slog.Logger, names ...string) error {
	factories := builtinFactories(logger)
	if len(names) == 0 {
		names = []string{ClockToolName, EchoToolName}
	}
	for _, name := range names {
		factory, ok := factories[name]
		if !ok {
			return domain.NewDomainError("tool.RegisterBuiltins", domain.ErrToolNotFound, name)
		}
		def, exec := factory()
		if err := r.Register(def, exec); err != nil {
			return err
		}
	}
	return nil
}
