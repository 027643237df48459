package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"chatstream/internal/domain"
)

// abortGrace bounds how long the reader waits to hand a terminal error to a
// consumer that may already have stopped reading.
const abortGrace = time.Second

// maxSSELine is the largest single SSE line accepted.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a WireEvent using parseLine. The returned channel is closed
// when the stream ends. A read failure or cancellation is delivered as a
// final WireEvent carrying the error; cancellation through abort is reported
// as domain.ErrRunAborted.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.WireEvent, error)) <-chan domain.WireEvent {
	ch := make(chan domain.WireEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			ev, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if ev == nil {
				continue
			}

			select {
			case ch <- *ev:
			case <-ctx.Done():
				sendTerminal(ch, streamCancelErr(ctx))
				return
			}
			if ev.Err != nil {
				return
			}
		}

		if ctx.Err() != nil {
			sendTerminal(ch, streamCancelErr(ctx))
			return
		}
		if err := scanner.Err(); err != nil {
			sendTerminal(ch, fmt.Errorf("%w: read stream: %w", domain.ErrTransport, err))
		}
	}()
	return ch
}

// streamCancelErr reports why ctx ended: domain.ErrRunAborted when the run
// was aborted, otherwise the context error.
func streamCancelErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, domain.ErrRunAborted) {
		return domain.ErrRunAborted
	}
	return ctx.Err()
}

func sendTerminal(ch chan<- domain.WireEvent, err error) {
	t := time.NewTimer(abortGrace)
	defer t.Stop()
	select {
	case ch <- domain.WireEvent{Err: err}:
	case <-t.C:
	}
}
