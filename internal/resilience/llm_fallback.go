package resilience

import (
	"context"
	"sync/atomic"

	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple model back-ends, each behind its own circuit breaker.
//
// Failover covers calls whose failure left no trace: once a token or tool
// call of the current attempt has reached the caller, a retry against the
// next back-end would answer the same prompt twice, so the error is returned
// instead.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// back-end.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider. Register during startup,
// before the first Generate call.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Initialize warms up every back-end in the chain. It succeeds as long as at
// least one came up.
func (f *LLMFallback) Initialize(ctx context.Context, progress func(message string)) error {
	return f.group.Initialize(ctx, progress)
}

// Generate produces the next assistant response using the first healthy
// back-end. A back-end that fails before emitting anything is skipped in
// favour of the next; a failure after streaming began is final.
func (f *LLMFallback) Generate(ctx context.Context, messages []types.Message, opts llm.Options) (*types.GenerateResult, error) {
	var emitted atomic.Bool
	wrapped := opts
	if opts.OnToken != nil {
		inner := opts.OnToken
		wrapped.OnToken = func(token string) {
			emitted.Store(true)
			inner(token)
		}
	}
	if opts.OnToolCall != nil {
		inner := opts.OnToolCall
		wrapped.OnToolCall = func(call types.ToolCall) {
			emitted.Store(true)
			inner(call)
		}
	}

	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*types.GenerateResult, error) {
		result, err := p.Generate(ctx, messages, wrapped)
		if err != nil && emitted.Load() {
			return nil, Unrecoverable(err)
		}
		return result, err
	})
}

// Ready reports whether any back-end in the chain is ready.
func (f *LLMFallback) Ready() bool {
	return f.group.Ready()
}

// Capabilities reports the intersection of all back-ends' capabilities, so
// a turn planned against the primary remains valid for whichever entry ends
// up serving it. A chain mixing native and prompt-injected tool calling
// therefore runs prompt-injected throughout.
func (f *LLMFallback) Capabilities() llm.Capabilities {
	caps := llm.Capabilities{NativeTools: true, StreamingTools: true}
	for i := range f.group.entries {
		c := f.group.entries[i].value.Capabilities()
		caps.NativeTools = caps.NativeTools && c.NativeTools
		caps.StreamingTools = caps.StreamingTools && c.StreamingTools
	}
	return caps
}
