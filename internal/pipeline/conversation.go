package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// Conversation is the per-session message history. It is owned by one
// session for its lifetime and never shared across sessions; the first
// message is always the system prompt. Appended messages are immutable.
//
// The mutex covers the hand-over points between the session goroutine and a
// running turn; within a turn only the orchestrator mutates the history.
type Conversation struct {
	id string

	mu      sync.Mutex
	history []types.Message
}

// NewConversation creates a conversation seeded with the system prompt as
// its first message and a fresh conversation id.
func NewConversation(systemPrompt string) *Conversation {
	return &Conversation{
		id: uuid.NewString(),
		history: []types.Message{
			{Role: types.RoleSystem, Content: systemPrompt},
		},
	}
}

// ID returns the conversation's unique identifier.
func (c *Conversation) ID() string {
	return c.id
}

// Append adds msgs to the end of the history. Callers append a message only
// after the work it represents has succeeded, so a reader never observes a
// half-finished exchange.
func (c *Conversation) Append(msgs ...types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msgs...)
}

// Messages returns a snapshot copy of the history.
func (c *Conversation) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Len returns the number of messages in the history.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Reset truncates the history back to just the system message.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:1]
}
