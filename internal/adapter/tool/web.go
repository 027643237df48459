package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
	"chatstream/internal/security"
)

// WebFetchToolName is the name of the web fetch builtin.
const WebFetchToolName = "web_fetch"

const (
	defaultMaxBodySize = 256 * 1024
	maxRedirects       = 5
)

type webParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebFetchResult is the payload of the web_fetch tool.
type WebFetchResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// NewSafeHTTPClient returns the client web_fetch uses by default: private
// addresses are refused at dial time and on every redirect.
func NewSafeHTTPClient() *http.Client {
	return &http.Client{
		Transport: security.NewSafeTransport(),
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return security.CheckURL(req.URL.String())
		},
	}
}

// WebFetchTool returns the web_fetch tool. client may be nil, in which case
// NewSafeHTTPClient is used.
func WebFetchTool(logger *slog.Logger, client *http.Client) (domain.ToolDefinition, domain.ToolExecutor) {
	if client == nil {
		client = NewSafeHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := domain.ToolDefinition{
		Name:        WebFetchToolName,
		Description: "Fetches a public web page over HTTP(S) and returns its status and text body.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute http or https URL"},
				"method": {"type": "string", "enum": ["GET", "HEAD"]},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}}
			},
			"required": ["url"]
		}`),
	}
	exec := Typed("tool.web_fetch", logger, func(ctx context.Context, span trace.Span, p webParams) (any, error) {
		if err := security.CheckURL(p.URL); err != nil {
			return ErrOutcome("%v", err), nil
		}
		method := strings.ToUpper(p.Method)
		if method == "" {
			method = http.MethodGet
		}
		if method != http.MethodGet && method != http.MethodHead {
			return ErrOutcome("method %q not allowed, use GET or HEAD", p.Method), nil
		}
		span.SetAttributes(tracer.StringAttr("http.method", method))

		req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range p.Headers {
			if strings.ContainsAny(k, "\r\n") || strings.ContainsAny(v, "\r\n") {
				return ErrOutcome("header %q contains line breaks", k), nil
			}
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodySize+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		result := WebFetchResult{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
		}
		if len(body) > defaultMaxBodySize {
			body = body[:defaultMaxBodySize]
			result.Truncated = true
		}
		if utf8.Valid(body) {
			result.Body = string(body)
		} else {
			result.Body = fmt.Sprintf("(%d bytes of binary content)", len(body))
		}
		span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))
		logger.Debug("web fetch completed", "url", p.URL, "status", resp.StatusCode, "size", len(body))
		return result, nil
	})
	return def, exec
}
