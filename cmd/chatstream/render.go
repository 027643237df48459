package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"chatstream/internal/domain"
	"chatstream/internal/usecase"
)

// renderer prints bus events as a live transcript.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	midLine bool
	message string // message currently being printed
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// Handle implements domain.EventHandler.
func (r *renderer) Handle(_ context.Context, ev domain.BusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case domain.EventTextStart:
		var e domain.Event
		if !decode(ev.Payload, &e) || e.MessageID == r.message {
			return
		}
		r.message = e.MessageID
		r.line("assistant> ")
	case domain.EventTextDelta:
		var e domain.Event
		if !decode(ev.Payload, &e) {
			return
		}
		fmt.Fprint(r.out, e.Delta)
		r.midLine = e.Delta != "" || r.midLine
	case domain.EventToolCallStart:
		var e domain.Event
		if !decode(ev.Payload, &e) {
			return
		}
		r.line(fmt.Sprintf("[tool %s] calling\n", e.ToolName))
		r.midLine = false
	case domain.EventToolExecuted:
		var p usecase.ToolExecutedPayload
		if !decode(ev.Payload, &p) {
			return
		}
		msg := fmt.Sprintf("[tool %s] %s in %s", p.ToolName, p.Status, p.Duration.Round(time.Millisecond))
		if p.Error != "" {
			msg += ": " + p.Error
		}
		r.line(msg + "\n")
		r.midLine = false
	case domain.EventRunFinished:
		r.endLine()
		r.message = ""
	case domain.EventRunError:
		var e domain.Event
		if !decode(ev.Payload, &e) {
			return
		}
		r.line(fmt.Sprintf("[error %s] %s\n", e.Code, e.Error))
		r.midLine = false
		r.message = ""
	case domain.EventRunAborted:
		r.line("[aborted]\n")
		r.midLine = false
		r.message = ""
	case domain.EventSessionReset:
		r.line("[conversation cleared]\n")
		r.midLine = false
		r.message = ""
	}
}

// line starts s on a fresh line.
func (r *renderer) line(s string) {
	r.endLine()
	fmt.Fprint(r.out, s)
	r.midLine = true
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func decode(raw json.RawMessage, v any) bool {
	return len(raw) > 0 && json.Unmarshal(raw, v) == nil
}
