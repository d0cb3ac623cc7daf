// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to script one or more generations without a live model: each
// Generate call consumes the next [Turn], streaming its tokens through
// opts.OnToken when set and returning its content and tool calls. This makes
// multi-iteration tool loops straightforward to script.
//
// Example:
//
//	p := &mock.Provider{
//	    Turns: []mock.Turn{
//	        {ToolCalls: []types.ToolCall{{Name: "roll_dice", Arguments: `{"notation":"2d6"}`}}},
//	        {Tokens: []string{"You ", "got ", "eight. "}},
//	    },
//	}
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// Turn scripts one Generate invocation.
type Turn struct {
	// Tokens are streamed one by one through opts.OnToken when it is set.
	// Their concatenation becomes the result content unless Content is set.
	Tokens []string

	// Content overrides the concatenation of Tokens as the result content.
	Content string

	// ToolCalls are returned on the result. A non-empty list sets
	// FinishReason to FinishToolCalls.
	ToolCalls []types.ToolCall

	// Err, if non-nil, fails the Generate call.
	Err error
}

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Messages is a copy of the history passed to Generate.
	Messages []types.Message
	// Tools is the definition list passed in the options.
	Tools []types.ToolDefinition
	// Streamed reports whether an OnToken callback was supplied.
	Streamed bool
}

// Provider is a mock implementation of llm.Provider. Each Generate call
// consumes the next entry of Turns; running past the end returns an error so
// over-eager loops fail loudly in tests.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Turns is the script consumed by successive Generate calls.
	Turns []Turn

	// GenerateFunc, if non-nil, replaces the Turn script for tests that
	// need per-call behaviour, such as streaming a few tokens and then
	// failing.
	GenerateFunc func(ctx context.Context, messages []types.Message, opts llm.Options) (*types.GenerateResult, error)

	// Caps is returned by Capabilities.
	Caps llm.Capabilities

	// InitErr, if non-nil, is returned as the error from Initialize.
	InitErr error

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	// InitCalls is the number of times Initialize was called.
	InitCalls int

	turn        int
	initialized bool
}

// Initialize records the call and returns InitErr. On success the provider
// reports Ready.
func (p *Provider) Initialize(_ context.Context, progress func(string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitCalls++
	if p.InitErr != nil {
		return p.InitErr
	}
	if progress != nil {
		progress("mock llm ready")
	}
	p.initialized = true
	return nil
}

// Generate records the call and plays the next scripted turn: tokens are
// streamed through opts.OnToken when set, tool calls are delivered through
// opts.OnToolCall, and the assembled result is returned.
func (p *Provider) Generate(ctx context.Context, messages []types.Message, opts llm.Options) (*types.GenerateResult, error) {
	p.mu.Lock()
	msgs := make([]types.Message, len(messages))
	copy(msgs, messages)
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{
		Messages: msgs,
		Tools:    opts.Tools,
		Streamed: opts.OnToken != nil,
	})
	if fn := p.GenerateFunc; fn != nil {
		p.mu.Unlock()
		return fn(ctx, messages, opts)
	}
	if p.turn >= len(p.Turns) {
		n := p.turn + 1
		p.mu.Unlock()
		return nil, fmt.Errorf("mock: no turn scripted for generate call %d", n)
	}
	turn := p.Turns[p.turn]
	p.turn++
	p.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	for _, tok := range turn.Tokens {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if opts.OnToken != nil {
			opts.OnToken(tok)
		}
	}

	content := turn.Content
	if content == "" {
		content = strings.Join(turn.Tokens, "")
	}
	result := &types.GenerateResult{
		Content:      content,
		ToolCalls:    turn.ToolCalls,
		FinishReason: types.FinishStop,
	}
	if len(turn.ToolCalls) > 0 {
		result.FinishReason = types.FinishToolCalls
		if opts.OnToolCall != nil {
			for _, call := range turn.ToolCalls {
				opts.OnToolCall(call)
			}
		}
	}
	return result, nil
}

// Ready reports whether Initialize completed successfully.
func (p *Provider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Reset clears all recorded calls, rewinds the turn script, and clears the
// initialised flag. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.InitCalls = 0
	p.turn = 0
	p.initialized = false
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
