package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"chatstream/internal/domain"
)

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
		code   domain.ErrorCode
	}{
		{429, domain.ErrRateLimit, domain.CodeRateLimit},
		{401, domain.ErrAuthInvalid, domain.CodeAuthInvalid},
		{403, domain.ErrAuthInvalid, domain.CodeAuthInvalid},
		{413, domain.ErrContextOverflow, domain.CodeContextOverflow},
		{500, domain.ErrProviderError, domain.CodeProviderError},
		{503, domain.ErrProviderError, domain.CodeProviderError},
		{404, domain.ErrTransport, domain.CodeTransport},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, []byte("body"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
		if !errors.Is(err, domain.ErrTransport) {
			t.Errorf("status %d: should wrap ErrTransport", tt.status)
		}
		if got := domain.ErrorCodeOf(err); got != tt.code {
			t.Errorf("status %d: code = %s, want %s", tt.status, got, tt.code)
		}
		if !strings.Contains(err.Error(), "body") {
			t.Errorf("status %d: body missing from %v", tt.status, err)
		}
	}
}

func TestDoStreamRequestTransportError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}

	_, err := doStreamRequest(context.Background(), client, "http://example.invalid", nil, nil)
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestDoStreamRequestSetsHeaders(t *testing.T) {
	var got http.Header
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
	})}

	resp, err := doStreamRequest(context.Background(), client, "http://example.invalid", []byte("{}"), map[string]string{"X-Test": "1"})
	if err != nil {
		t.Fatalf("doStreamRequest: %v", err)
	}
	resp.Body.Close()

	if got.Get("Content-Type") != "application/json" || got.Get("Accept") != "text/event-stream" || got.Get("X-Test") != "1" {
		t.Errorf("headers = %v", got)
	}
}
