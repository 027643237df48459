package usecase

import (
	"sort"

	"chatstream/internal/domain"
)

// maxToolCallIndex bounds the tool-call index accepted from the wire.
const maxToolCallIndex = 128

// ToolCallAccumulator tracks one streamed tool call by its wire index.
type ToolCallAccumulator struct {
	Index      int
	ID         string
	Name       string
	ArgsBuffer string
	Started    bool
	Ended      bool
}

// ReducerState is the fold state of the chunk reducer for one assistant
// message. Values are never mutated by Reduce; each call returns a new state.
type ReducerState struct {
	MessageID string
	TextOpen  bool
	Calls     []ToolCallAccumulator // sorted by Index
}

// NewReducerState returns the initial state for a run whose assistant
// message will be identified by messageID.
func NewReducerState(messageID string) ReducerState {
	return ReducerState{MessageID: messageID}
}

func (s ReducerState) clone() ReducerState {
	cp := s
	if s.Calls != nil {
		cp.Calls = make([]ToolCallAccumulator, len(s.Calls))
		copy(cp.Calls, s.Calls)
	}
	return cp
}

// call returns the accumulator for index, inserting it if absent.
func (s *ReducerState) call(index int) *ToolCallAccumulator {
	i := sort.Search(len(s.Calls), func(i int) bool { return s.Calls[i].Index >= index })
	if i < len(s.Calls) && s.Calls[i].Index == index {
		return &s.Calls[i]
	}
	s.Calls = append(s.Calls, ToolCallAccumulator{})
	copy(s.Calls[i+1:], s.Calls[i:])
	s.Calls[i] = ToolCallAccumulator{Index: index}
	return &s.Calls[i]
}

// Unstarted returns the accumulators whose id never arrived. Their argument
// fragments were never surfaced as events.
func (s ReducerState) Unstarted() []ToolCallAccumulator {
	var out []ToolCallAccumulator
	for _, c := range s.Calls {
		if !c.Started {
			out = append(out, c)
		}
	}
	return out
}

// Reduce folds one wire chunk into state and returns the next state with
// the events it produced. Within a chunk, text events come first, then tool
// events in index order, then the END events triggered by a finish reason.
// Only the first choice is reduced.
func Reduce(state ReducerState, chunk domain.Chunk) (ReducerState, []domain.Event) {
	next := state.clone()
	if len(chunk.Choices) == 0 {
		return next, nil
	}
	choice := chunk.Choices[0]

	var events []domain.Event

	if choice.Delta.Content != "" {
		if !next.TextOpen {
			next.TextOpen = true
			events = append(events, domain.Event{Type: domain.EventTextStart, MessageID: next.MessageID})
		}
		events = append(events, domain.Event{
			Type:      domain.EventTextDelta,
			MessageID: next.MessageID,
			Delta:     choice.Delta.Content,
		})
	}

	deltas := make([]domain.ToolCallDelta, 0, len(choice.Delta.ToolCalls))
	for _, tc := range choice.Delta.ToolCalls {
		if tc.Index < 0 || tc.Index >= maxToolCallIndex {
			continue
		}
		deltas = append(deltas, tc)
	}
	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].Index < deltas[j].Index })

	for _, tc := range deltas {
		events = next.reduceToolCall(tc, events)
	}

	if choice.FinishReason != nil {
		if next.TextOpen {
			next.TextOpen = false
			events = append(events, domain.Event{Type: domain.EventTextEnd, MessageID: next.MessageID})
		}
		if *choice.FinishReason == domain.FinishToolCalls {
			for i := range next.Calls {
				c := &next.Calls[i]
				if c.Started && !c.Ended {
					c.Ended = true
					events = append(events, domain.Event{Type: domain.EventToolCallEnd, ToolCallID: c.ID})
				}
			}
		}
	}

	return next, events
}

func (s *ReducerState) reduceToolCall(tc domain.ToolCallDelta, events []domain.Event) []domain.Event {
	acc := s.call(tc.Index)
	if acc.Ended {
		return events
	}

	var name, args string
	if tc.Function != nil {
		name = tc.Function.Name
		args = tc.Function.Arguments
	}
	if acc.Name == "" && name != "" {
		acc.Name = name
	}

	if !acc.Started {
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		if acc.ID != "" {
			acc.Started = true
			events = append(events, domain.Event{
				Type:            domain.EventToolCallStart,
				ToolCallID:      acc.ID,
				ToolName:        acc.Name,
				ParentMessageID: s.MessageID,
			})
			// Fragments that arrived before the id are replayed once.
			if acc.ArgsBuffer != "" {
				events = append(events, domain.Event{
					Type:       domain.EventToolCallArgsDelta,
					ToolCallID: acc.ID,
					ArgsDelta:  acc.ArgsBuffer,
				})
			}
		}
	}

	if args != "" {
		acc.ArgsBuffer += args
		if acc.Started {
			events = append(events, domain.Event{
				Type:       domain.EventToolCallArgsDelta,
				ToolCallID: acc.ID,
				ArgsDelta:  args,
			})
		}
	}
	return events
}

// Flush closes the open text cursor on normal stream completion. Tool calls
// are left as they are; only a tool_calls finish reason ends them.
func Flush(state ReducerState) (ReducerState, []domain.Event) {
	next := state.clone()
	if !next.TextOpen {
		return next, nil
	}
	next.TextOpen = false
	return next, []domain.Event{{Type: domain.EventTextEnd, MessageID: next.MessageID}}
}
