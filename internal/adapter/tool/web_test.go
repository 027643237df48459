package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatstream/internal/domain"
)

// localURL rewrites an httptest URL to use a hostname, since literal
// loopback addresses are refused before dialing.
func localURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "127.0.0.1", "localhost", 1)
}

func TestWebFetchTool(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from the web"))
	}))
	defer srv.Close()

	def, exec := WebFetchTool(nopLogger(), srv.Client())
	if def.Name != WebFetchToolName {
		t.Errorf("Name = %q", def.Name)
	}

	out, err := exec.Execute(context.Background(), "call_1", WebFetchToolName, map[string]any{
		"url":     localURL(srv) + "/page",
		"headers": map[string]any{"Accept-Language": "fr"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.ToolStatusResult {
		t.Fatalf("Status = %q, payload = %v", out.Status, out.Payload)
	}
	res, ok := out.Payload.(WebFetchResult)
	if !ok {
		t.Fatalf("payload type = %T", out.Payload)
	}
	if res.Status != http.StatusOK || res.Body != "hello from the web" || res.ContentType != "text/plain" {
		t.Errorf("result = %+v", res)
	}
	if gotHeader != "fr" {
		t.Errorf("Accept-Language = %q", gotHeader)
	}
}

func TestWebFetchToolTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("a", defaultMaxBodySize+100)))
	}))
	defer srv.Close()

	_, exec := WebFetchTool(nopLogger(), srv.Client())
	out, _ := exec.Execute(context.Background(), "call_1", WebFetchToolName, map[string]any{"url": localURL(srv)})

	res := out.Payload.(WebFetchResult)
	if !res.Truncated || len(res.Body) != defaultMaxBodySize {
		t.Errorf("truncated = %v, len = %d", res.Truncated, len(res.Body))
	}
}

func TestWebFetchToolRejects(t *testing.T) {
	_, exec := WebFetchTool(nopLogger(), nil)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"loopback literal", map[string]any{"url": "http://127.0.0.1/admin"}},
		{"metadata endpoint", map[string]any{"url": "http://169.254.169.254/latest/meta-data/"}},
		{"file scheme", map[string]any{"url": "file:///etc/passwd"}},
		{"post method", map[string]any{"url": "https://example.com", "method": "POST"}},
		{"crlf header", map[string]any{"url": "https://example.com", "headers": map[string]any{"X-A": "b\r\nX-Evil: 1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := exec.Execute(context.Background(), "call_1", WebFetchToolName, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if out.Status != domain.ToolStatusError {
				t.Errorf("Status = %q, want error", out.Status)
			}
		})
	}
}

func TestWebFetchToolSafeClientBlocksResolvedLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("secret"))
	}))
	defer srv.Close()

	_, exec := WebFetchTool(nopLogger(), nil)
	out, _ := exec.Execute(context.Background(), "call_1", WebFetchToolName, map[string]any{"url": localURL(srv)})

	if out.Status != domain.ToolStatusError {
		t.Fatalf("Status = %q, want error", out.Status)
	}
	if !strings.Contains(out.Payload.(string), "url blocked") {
		t.Errorf("payload = %v", out.Payload)
	}
}
