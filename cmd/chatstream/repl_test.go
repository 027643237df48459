package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstream/internal/domain"
)

type fakeChat struct {
	mu      sync.Mutex
	sent    []string
	aborts  int
	resets  int
	msgs    []domain.Message
	sendErr error
}

func (f *fakeChat) SendMessage(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakeChat) AbortRun() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeChat) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeChat) Messages() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs
}

func runREPL(t *testing.T, chat *fakeChat, input string) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{session: chat, in: strings.NewReader(input), out: &out}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String()
}

func TestREPLSendsMessages(t *testing.T) {
	chat := &fakeChat{}
	runREPL(t, chat, "hello\n\n   \nsecond line\n")

	if len(chat.sent) != 2 || chat.sent[0] != "hello" || chat.sent[1] != "second line" {
		t.Errorf("sent = %q", chat.sent)
	}
}

func TestREPLCommands(t *testing.T) {
	chat := &fakeChat{}
	runREPL(t, chat, "/abort\n/reset\n/quit\nnever sent\n")

	if chat.aborts != 2 {
		t.Errorf("aborts = %d, want 2 (abort and quit)", chat.aborts)
	}
	if chat.resets != 1 {
		t.Errorf("resets = %d", chat.resets)
	}
	if len(chat.sent) != 0 {
		t.Errorf("sent after quit: %q", chat.sent)
	}
}

func TestREPLUnknownCommand(t *testing.T) {
	out := runREPL(t, &fakeChat{}, "/teleport\n")
	if !strings.Contains(out, "[error INVALID_INPUT]") {
		t.Errorf("output = %q", out)
	}
}

func TestREPLSendError(t *testing.T) {
	chat := &fakeChat{sendErr: domain.NewDomainError("test", domain.ErrInvalidInput, "session closed")}
	out := runREPL(t, chat, "hi\n")
	if !strings.Contains(out, "session closed") {
		t.Errorf("output = %q", out)
	}
}

func TestREPLHistory(t *testing.T) {
	chat := &fakeChat{msgs: []domain.Message{
		{ID: "u1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("what time is it?")}},
		{ID: "a1", Role: domain.RoleAssistant, Parts: []domain.Part{{
			Type: domain.PartToolInvocation,
			ToolInvocation: &domain.ToolInvocation{
				ToolCallID: "c1", ToolName: "clock", Args: "{}", Status: domain.ToolStatusResult,
			},
		}}},
	}}
	out := runREPL(t, chat, "/history\n")

	if !strings.Contains(out, "user> what time is it?") {
		t.Errorf("missing user line: %q", out)
	}
	if !strings.Contains(out, "[tool clock] result {}") {
		t.Errorf("missing tool line: %q", out)
	}
}

func TestREPLHistoryEmpty(t *testing.T) {
	if out := runREPL(t, &fakeChat{}, "/history\n"); !strings.Contains(out, "(empty)") {
		t.Errorf("output = %q", out)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("stdin broken") }

func TestREPLReadError(t *testing.T) {
	var out bytes.Buffer
	r := &repl{session: &fakeChat{}, in: errReader{}, out: &out}
	if err := r.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "stdin broken") {
		t.Errorf("err = %v", err)
	}
}

type blockingReader struct{ unblock chan struct{} }

func (b blockingReader) Read([]byte) (int, error) {
	<-b.unblock
	return 0, errors.New("closed")
}

func TestREPLStopsOnContextCancel(t *testing.T) {
	in := blockingReader{unblock: make(chan struct{})}
	defer close(in.unblock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&repl{session: &fakeChat{}, in: in, out: &bytes.Buffer{}}).Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
