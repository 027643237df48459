package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"chatstream/internal/domain"
)

// chatSession is what the REPL drives.
type chatSession interface {
	SendMessage(ctx context.Context, text string) error
	AbortRun()
	Reset()
	Messages() []domain.Message
}

type repl struct {
	session chatSession
	in      io.Reader
	out     io.Writer
}

// Run reads lines until in is exhausted, /quit is entered or ctx ends.
func (r *repl) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Type a message and press Enter. /quit to exit.")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "[error %s] %v\n", domain.ErrorCodeOf(err), err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		r.session.AbortRun()
		return true, nil
	case "/abort":
		r.session.AbortRun()
		return false, nil
	case "/reset":
		r.session.Reset()
		return false, nil
	case "/history":
		r.printHistory()
		return false, nil
	}
	if strings.HasPrefix(line, "/") {
		return false, domain.NewDomainError("repl", domain.ErrInvalidInput, "unknown command "+line)
	}
	return false, r.session.SendMessage(ctx, line)
}

func (r *repl) printHistory() {
	msgs := r.session.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(r.out, "(empty)")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(r.out, "%s> %s\n", m.Role, m.Text())
		for _, inv := range m.ToolInvocations() {
			fmt.Fprintf(r.out, "    [tool %s] %s %s\n", inv.ToolName, inv.Status, inv.Args)
		}
	}
}
