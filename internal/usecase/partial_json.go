package usecase

import (
	"encoding/json"
	"strings"
)

// parsePartialArgs decodes a possibly truncated JSON object. Complete input
// is decoded as is; truncated input is closed at the latest point that
// yields a valid object. It returns nil when nothing usable can be decoded.
func parsePartialArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if out, ok := decodeObject(raw); ok {
		return out
	}

	type cut struct {
		pos     int
		closers string
	}
	var (
		stack   []byte
		cuts    []cut
		inStr   bool
		escaped bool
	)
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{', '[':
			stack = append(stack, ch)
			cuts = append(cuts, cut{pos: i + 1, closers: closersFor(stack)})
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ',':
			cuts = append(cuts, cut{pos: i, closers: closersFor(stack)})
		}
	}

	tail := raw
	if inStr {
		if escaped {
			tail = tail[:len(tail)-1]
		}
		tail += `"`
	}
	if out, ok := decodeObject(tail + closersFor(stack)); ok {
		return out
	}
	for i := len(cuts) - 1; i >= 0; i-- {
		if out, ok := decodeObject(raw[:cuts[i].pos] + cuts[i].closers); ok {
			return out
		}
	}
	return nil
}

func closersFor(stack []byte) string {
	var sb strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}

func decodeObject(s string) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}
