package usecase

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatstream/internal/domain"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newID returns a fresh ULID string. Thread, run and message ids all come
// from here; ids generated within the same millisecond stay ordered.
func newID() string {
	return generateULID(time.Now())
}

func generateULID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}

// Conversation is the ordered message list of one session. It is not safe
// for concurrent use; SessionManager serializes all access under its lock.
type Conversation struct {
	Msgs      []domain.Message
	UpdatedAt time.Time
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{Msgs: make([]domain.Message, 0), UpdatedAt: time.Now()}
}

// Append adds a message, stamping CreatedAt when unset.
func (c *Conversation) Append(msg domain.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c.Msgs = append(c.Msgs, msg)
	c.UpdatedAt = time.Now()
}

// Messages returns a deep copy of the message history.
func (c *Conversation) Messages() []domain.Message {
	return domain.CloneMessages(c.Msgs)
}

// IndexOf returns the position of the message with id, or -1.
func (c *Conversation) IndexOf(id string) int {
	for i := len(c.Msgs) - 1; i >= 0; i-- {
		if c.Msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Message returns a pointer to the stored message with id, or nil.
func (c *Conversation) Message(id string) *domain.Message {
	if i := c.IndexOf(id); i >= 0 {
		return &c.Msgs[i]
	}
	return nil
}

// FindToolInvocation locates the invocation with toolCallID and the message
// holding it.
func (c *Conversation) FindToolInvocation(toolCallID string) (*domain.ToolInvocation, *domain.Message) {
	for i := len(c.Msgs) - 1; i >= 0; i-- {
		msg := &c.Msgs[i]
		for j := range msg.Parts {
			p := msg.Parts[j]
			if p.Type == domain.PartToolInvocation && p.ToolInvocation != nil && p.ToolInvocation.ToolCallID == toolCallID {
				return p.ToolInvocation, msg
			}
		}
	}
	return nil, nil
}

// Replace swaps the whole history.
func (c *Conversation) Replace(msgs []domain.Message) {
	c.Msgs = msgs
	c.UpdatedAt = time.Now()
}

// Remove deletes the messages with the given ids and returns how many were
// removed.
func (c *Conversation) Remove(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := c.Msgs[:0]
	removed := 0
	for _, m := range c.Msgs {
		if drop[m.ID] {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	clear(c.Msgs[len(kept):])
	c.Msgs = kept
	if removed > 0 {
		c.UpdatedAt = time.Now()
	}
	return removed
}

// Reset empties the conversation.
func (c *Conversation) Reset() {
	c.Msgs = make([]domain.Message, 0)
	c.UpdatedAt = time.Now()
}
