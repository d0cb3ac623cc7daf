// Package llm defines the Provider interface for large language model
// back-ends.
//
// An LLM provider wraps a remote or local model API (OpenAI, any-llm
// multi-provider routing, or a llama.cpp subprocess) and exposes a single
// Generate operation over a shared message history. Providers differ in two
// capabilities the orchestrator adapts to: whether the back-end accepts a
// native tool list and returns structured tool calls, and whether it can
// stream text tokens while accumulating those calls in the same response.
//
// Implementations must be safe for concurrent use from multiple sessions.
package llm

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// Capabilities describes what an LLM provider supports. The result is
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// NativeTools indicates the back-end accepts a tool-definition list and
	// returns structured tool calls without prompt hacks. When false, the
	// orchestrator injects tool instructions into the system message and
	// parses calls out of the reply text.
	NativeTools bool

	// StreamingTools indicates text tokens can stream while native tool
	// calls accumulate in the same response. When false and tools are
	// offered, the first generation of a turn runs buffered so a tool call
	// can be detected in full before anything is spoken.
	StreamingTools bool
}

// Options carries the per-call knobs for Generate. The zero value requests a
// plain non-streaming completion without tools.
type Options struct {
	// Tools is the definition list offered to the model. Ignored when the
	// provider does not report NativeTools.
	Tools []types.ToolDefinition

	// OnToken, when non-nil, receives each emitted text token in order as
	// the model produces it. Tool-call fragments are never delivered as
	// tokens. When nil, the full content is only available on the result.
	OnToken func(token string)

	// OnToolCall, when non-nil, receives each structured tool call as the
	// back-end surfaces it, before Generate returns.
	OnToolCall func(call types.ToolCall)

	// ConversationID correlates requests in logs and provider-side state.
	ConversationID string
}

// Provider is the abstraction over any LLM back-end.
type Provider interface {
	// Initialize performs the provider's heavy setup: model downloads,
	// binary discovery, connectivity checks. progress, if non-nil, receives
	// human-readable status lines as setup advances. Initialize must be
	// called before Generate; calling it again after success is a no-op.
	Initialize(ctx context.Context, progress func(message string)) error

	// Generate produces the next assistant response for messages. The
	// returned result always carries the full content, even when every
	// token was already streamed through opts.OnToken. FinishReason is
	// FinishToolCalls exactly when ToolCalls is non-empty.
	Generate(ctx context.Context, messages []types.Message, opts Options) (*types.GenerateResult, error)

	// Ready reports whether the provider is initialised and able to serve
	// Generate calls.
	Ready() bool

	// Capabilities reports the provider's tool-calling and streaming
	// support.
	Capabilities() Capabilities
}
