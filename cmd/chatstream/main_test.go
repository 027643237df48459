package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstream/internal/adapter/store"
	"chatstream/internal/infra/config"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"doctor", "encrypt"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("expected persistent --config flag")
	}
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("CHATSTREAM_CONFIG_KEY", "passphrase")
	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"encrypt", "sk-secret"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	line := strings.TrimSpace(out.String())
	if !strings.HasPrefix(line, "enc:") {
		t.Fatalf("output = %q, want enc: prefix", line)
	}
	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if plain != "sk-secret" {
		t.Errorf("decrypted = %q, want %q", plain, "sk-secret")
	}
}

func TestEncryptCommandErrors(t *testing.T) {
	t.Setenv("CHATSTREAM_CONFIG_KEY", "")

	if err := runEncrypt("value", "", io.Discard); err == nil {
		t.Error("expected error without passphrase")
	}
	if err := runEncrypt("", "key", io.Discard); err == nil {
		t.Error("expected error for empty value")
	}

	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"encrypt"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for missing argument")
	}
}

func TestRootRejectsArgs(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"chat-now"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CHATSTREAM_CONFIG", "")
	if got := resolveConfigPath(""); got != "config.yaml" {
		t.Errorf("default = %q", got)
	}

	t.Setenv("CHATSTREAM_CONFIG", "/etc/chatstream.yaml")
	if got := resolveConfigPath(""); got != "/etc/chatstream.yaml" {
		t.Errorf("env = %q", got)
	}
	if got := resolveConfigPath(" custom.yaml "); got != "custom.yaml" {
		t.Errorf("flag = %q", got)
	}
}

// syncBuffer is a bytes.Buffer safe for the renderer and REPL goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeCompletions streams a fixed reply in the chat completions format.
func fakeCompletions(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", reply)
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func testAppConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.LLM.DefaultProvider = "local"
	cfg.LLM.Providers = []config.ProviderConfig{{
		Name:    "local",
		Type:    "ollama",
		BaseURL: baseURL,
		Model:   "test-model",
	}}
	cfg.Logger.Output = "discard"
	cfg.Store.Enabled = true
	cfg.Store.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Metrics.Enabled = true
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = "127.0.0.1:0"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func TestAppRunEndToEnd(t *testing.T) {
	llmSrv := httptest.NewServer(fakeCompletions("Hello from the model"))
	defer llmSrv.Close()
	cfg := testAppConfig(t, llmSrv.URL)

	out := &syncBuffer{}
	a, err := newApp(context.Background(), cfg, out)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	pr, pw := io.Pipe()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(context.Background(), pr, out) }()

	select {
	case <-a.gateway.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not start")
	}

	if _, err := io.WriteString(pw, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, func() bool {
		snap := a.session.Snapshot()
		return !snap.IsResponding && len(snap.Messages) == 2
	}, "run never finished")
	waitUntil(t, func() bool {
		return strings.Contains(out.String(), "assistant> Hello from the model")
	}, "reply was not rendered:\n"+out.String())

	metricsURL := "http://" + a.gateway.BoundAddr() + "/metrics"
	waitUntil(t, func() bool {
		resp, err := http.Get(metricsURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `chatstream_runs_total{outcome="finished"} 1`)
	}, "metrics never reported the finished run")

	threadID := a.session.Snapshot().ThreadID

	if _, err := io.WriteString(pw, "/quit\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after /quit")
	}
	pw.Close()
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err := store.NewSQLiteTranscriptStore(cfg.Store.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	saved, err := st.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if saved.ThreadID != threadID || len(saved.Messages) != 2 {
		t.Errorf("saved transcript = thread %s, %d messages; want thread %s, 2 messages",
			saved.ThreadID, len(saved.Messages), threadID)
	}
}

func TestNewAppRestoresConversation(t *testing.T) {
	llmSrv := httptest.NewServer(fakeCompletions("unused"))
	defer llmSrv.Close()
	cfg := testAppConfig(t, llmSrv.URL)
	cfg.Gateway.Enabled = false

	first, err := newApp(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if err := first.session.SendMessage(context.Background(), "remember me"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitUntil(t, func() bool {
		snap := first.session.Snapshot()
		return !snap.IsResponding && len(snap.Messages) == 2
	}, "run never finished")
	threadID := first.session.Snapshot().ThreadID
	// Saving happens on the snapshot observer; wait for it to land.
	waitUntil(t, func() bool {
		st, err := store.NewSQLiteTranscriptStore(cfg.Store.Path)
		if err != nil {
			return false
		}
		defer st.Close()
		saved, err := st.Latest(context.Background())
		return err == nil && len(saved.Messages) == 2
	}, "transcript never saved")
	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := newApp(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("newApp (second): %v", err)
	}
	defer second.Close(context.Background())

	snap := second.session.Snapshot()
	if snap.ThreadID != threadID {
		t.Errorf("ThreadID = %q, want %q", snap.ThreadID, threadID)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].Text() != "remember me" {
		t.Errorf("restored messages = %+v", snap.Messages)
	}
}
