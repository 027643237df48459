package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// Handler is the typed body of a tool. Returning an error produces an
// error outcome; any other value becomes the result payload.
type Handler[P any] func(ctx context.Context, span trace.Span, params P) (any, error)

// Typed is the standard tool execution pipeline: decode args into P, start a
// span, run the handler, and turn its return into a ToolOutcome.
//
// The handler may return:
//   - (any Go value, nil): used as the result payload
//   - (domain.ToolOutcome, nil): returned as-is
//   - (nil, error): an error outcome, logged as a warning
func Typed[P any](spanName string, logger *slog.Logger, handler Handler[P]) domain.ToolExecutorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, toolCallID, toolName string, args map[string]any) (domain.ToolOutcome, error) {
		ctx, span := tracer.StartSpan(ctx, spanName,
			trace.WithAttributes(
				tracer.StringAttr("tool.name", toolName),
				tracer.StringAttr("tool.call_id", toolCallID),
			),
		)
		defer span.End()

		p, err := decodeArgs[P](args)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrOutcome("invalid arguments: %v", err), nil
		}

		result, err := handler(ctx, span, p)
		if err != nil {
			tracer.RecordError(span, err)
			logger.Warn(spanName+" failed", "tool_call_id", toolCallID, "error", err)
			return domain.ToolOutcome{Status: domain.ToolStatusError, Payload: err.Error()}, nil
		}

		if outcome, ok := result.(domain.ToolOutcome); ok {
			if outcome.Status == domain.ToolStatusError {
				tracer.RecordError(span, fmt.Errorf("%v", outcome.Payload))
			} else {
				tracer.SetOK(span)
			}
			return outcome, nil
		}
		tracer.SetOK(span)
		return domain.ToolOutcome{Status: domain.ToolStatusResult, Payload: result}, nil
	}
}

// decodeArgs converts the parsed argument object into P via its JSON form.
func decodeArgs[P any](args map[string]any) (P, error) {
	var p P
	if len(args) == 0 {
		return p, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(data, &p)
	return p, err
}

// ErrOutcome creates an error outcome for validation failures that should
// reach the model without being logged.
func ErrOutcome(format string, args ...any) domain.ToolOutcome {
	return domain.ToolOutcome{Status: domain.ToolStatusError, Payload: fmt.Sprintf(format, args...)}
}
