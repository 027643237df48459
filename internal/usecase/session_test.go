package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestNewIDIsUniqueAndOrdered(t *testing.T) {
	prev := newID()
	assert.Len(t, prev, 26)
	for i := 0; i < 1000; i++ {
		id := newID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerateULIDSameMillisecond(t *testing.T) {
	now := time.Now()
	a := generateULID(now)
	b := generateULID(now)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a[:10], b[:10], "timestamp prefix")
}

func TestConversationAppendStampsCreatedAt(t *testing.T) {
	c := NewConversation()
	c.Append(userMsg("u1", "hi"))

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := userMsg("u2", "there")
	msg.CreatedAt = fixed
	c.Append(msg)

	require.Len(t, c.Msgs, 2)
	assert.False(t, c.Msgs[0].CreatedAt.IsZero())
	assert.Equal(t, fixed, c.Msgs[1].CreatedAt)
}

func TestConversationMessagesIsDeepCopy(t *testing.T) {
	c := NewConversation()
	c.Append(toolMsg("a1", domain.ToolInvocation{ToolCallID: "c1", Status: domain.ToolStatusCall}))

	out := c.Messages()
	out[0].Parts[0].ToolInvocation.Status = domain.ToolStatusError

	inv, msg := c.FindToolInvocation("c1")
	require.NotNil(t, inv)
	assert.Equal(t, "a1", msg.ID)
	assert.Equal(t, domain.ToolStatusCall, inv.Status)
}

func TestConversationLookup(t *testing.T) {
	c := NewConversation()
	c.Append(userMsg("u1", "one"))
	c.Append(assistantMsg("a1", "two"))

	assert.Equal(t, 1, c.IndexOf("a1"))
	assert.Equal(t, -1, c.IndexOf("zz"))
	assert.Nil(t, c.Message("zz"))

	c.Message("a1").Parts[0].Text = "edited"
	assert.Equal(t, "edited", c.Msgs[1].Text())

	inv, msg := c.FindToolInvocation("nope")
	assert.Nil(t, inv)
	assert.Nil(t, msg)
}

func TestConversationRemoveAndReset(t *testing.T) {
	c := NewConversation()
	c.Append(userMsg("u1", "one"))
	c.Append(assistantMsg("a1", "two"))
	c.Append(userMsg("u2", "three"))

	assert.Equal(t, 0, c.Remove())
	assert.Equal(t, 2, c.Remove("u1", "u2", "missing"))
	require.Len(t, c.Msgs, 1)
	assert.Equal(t, "a1", c.Msgs[0].ID)

	c.Reset()
	assert.Empty(t, c.Msgs)
	assert.NotNil(t, c.Msgs)
}
