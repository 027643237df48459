package usecase

import (
	"chatstream/internal/domain"
)

// InterruptedToolError is the synthetic error recorded on tool invocations
// that never reached a terminal state.
const InterruptedToolError = "tool call was interrupted before producing a result"

// FinalizePendingToolInvocations scans the history and settles every tool
// invocation still in partial-call or call with a synthetic error result, so
// the transcript sent to the model has a result for every call. It returns a
// new slice and the ids it settled; the input is not modified.
func FinalizePendingToolInvocations(messages []domain.Message) ([]domain.Message, []string) {
	if messages == nil {
		return nil, nil
	}

	result := make([]domain.Message, len(messages))
	var settled []string
	for i, msg := range messages {
		if !hasPendingInvocation(msg) {
			result[i] = msg
			continue
		}
		cp := msg.Clone()
		for _, p := range cp.Parts {
			inv := p.ToolInvocation
			if p.Type != domain.PartToolInvocation || inv == nil || inv.Status.IsTerminal() {
				continue
			}
			inv.Status = domain.ToolStatusError
			inv.Error = InterruptedToolError
			inv.Result = nil
			if inv.ParsedArgs == nil {
				inv.ParsedArgs = parsePartialArgs(inv.Args)
			}
			settled = append(settled, inv.ToolCallID)
		}
		result[i] = cp
	}
	return result, settled
}

func hasPendingInvocation(msg domain.Message) bool {
	for _, p := range msg.Parts {
		if p.Type == domain.PartToolInvocation && p.ToolInvocation != nil && !p.ToolInvocation.Status.IsTerminal() {
			return true
		}
	}
	return false
}
