// Package types defines the shared conversation types used across all voxpipe
// packages.
//
// These types form the lingua franca between providers, the pipeline, sessions,
// and the wire protocol. They are intentionally minimal — each package defines
// its own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

// Conversation roles. The first message of any conversation is RoleSystem;
// RoleTool messages always answer a preceding assistant tool call.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation history.
// Once appended to a conversation, a Message is immutable.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message. May be empty for assistant
	// turns that only carry tool calls.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant,
	// in the order the model produced them.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message answers.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	// ID uniquely identifies this call within a turn. Ids are minted
	// server-side when the call is parsed.
	ID string

	// Name is the tool name as registered.
	Name string

	// Arguments is the JSON-encoded arguments object.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM. It is the
// executor-free half of a registered tool, shared by the registry, the LLM
// adapters, and the prompt-injection text so every surface exposes the same
// shape.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does (included in LLM prompts).
	Description string `json:"description"`

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any `json:"parameters"`
}

// FinishReason indicates why a generation stopped.
type FinishReason string

const (
	// FinishStop means the model produced a complete textual reply.
	FinishStop FinishReason = "stop"

	// FinishToolCalls means the model wants one or more tools executed
	// before it can answer.
	FinishToolCalls FinishReason = "tool_calls"
)

// Usage holds token accounting returned by an LLM backend. Counts are in the
// model's native token unit and may differ between providers for the same text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateResult is the outcome of one LLM generation.
type GenerateResult struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists the tool invocations the model requested, if any.
	ToolCalls []ToolCall

	// FinishReason is FinishToolCalls when ToolCalls is non-empty,
	// FinishStop otherwise.
	FinishReason FinishReason

	// Usage contains token accounting when the backend reports it.
	Usage Usage
}

// Capabilities describes which pipeline stages a connected client handles
// locally. The server derives from it which stages to skip.
type Capabilities struct {
	// HasSTT means the client transcribes speech itself and sends text frames
	// instead of audio.
	HasSTT bool

	// HasTTS means the client synthesises speech itself; the server must not
	// emit audio frames to it.
	HasTTS bool
}
