// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend      anyllmlib.Provider
	providerName string
	model        string
	ready        atomic.Bool
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o", "claude-3-5-sonnet-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
// If no API key option is provided, the provider will fall back to the relevant
// environment variable (e.g., OPENAI_API_KEY, ANTHROPIC_API_KEY, etc.).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, providerName: providerName, model: model}, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Provider backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Provider backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewDeepSeek creates a Provider backed by DeepSeek.
// Without options, it reads the DEEPSEEK_API_KEY environment variable.
func NewDeepSeek(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("deepseek", model, opts...)
}

// NewMistral creates a Provider backed by Mistral AI.
// Without options, it reads the MISTRAL_API_KEY environment variable.
func NewMistral(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("mistral", model, opts...)
}

// NewGroq creates a Provider backed by Groq.
// Without options, it reads the GROQ_API_KEY environment variable.
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamacpp", model, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
// Without options, it connects to the default llamafile server.
func NewLlamaFile(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamafile", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Initialize implements llm.Provider. Remote back-ends need no warm-up; the
// first Generate surfaces connectivity problems.
func (p *Provider) Initialize(_ context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress(fmt.Sprintf("anyllm: using %s backend with model %s", p.providerName, p.model))
	}
	p.ready.Store(true)
	return nil
}

// Ready implements llm.Provider.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Capabilities implements llm.Provider. All any-llm-go back-ends speak the
// OpenAI tool-calling dialect; the o1-mini family is the known exception.
func (p *Provider) Capabilities() llm.Capabilities {
	caps := llm.Capabilities{NativeTools: true, StreamingTools: true}
	if strings.HasPrefix(strings.ToLower(p.model), "o1-mini") {
		caps.NativeTools = false
	}
	return caps
}

// Generate implements llm.Provider. With opts.OnToken set the completion is
// streamed through the back-end's stream API; otherwise a single buffered
// request is made.
func (p *Provider) Generate(ctx context.Context, messages []types.Message, opts llm.Options) (*types.GenerateResult, error) {
	tools := opts.Tools
	if !p.Capabilities().NativeTools {
		tools = nil
	}
	params := p.buildParams(messages, tools)

	var result *types.GenerateResult
	var err error
	if opts.OnToken != nil {
		result, err = p.generateStreaming(ctx, params, opts.OnToken)
	} else {
		result, err = p.generateBuffered(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = types.FinishToolCalls
		if opts.OnToolCall != nil {
			for _, tc := range result.ToolCalls {
				opts.OnToolCall(tc)
			}
		}
	} else {
		result.FinishReason = types.FinishStop
	}
	return result, nil
}

// generateBuffered performs a single non-streaming completion.
func (p *Provider) generateBuffered(ctx context.Context, params anyllmlib.CompletionParams) (*types.GenerateResult, error) {
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &types.GenerateResult{
		Content: choice.Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// generateStreaming streams the completion, forwarding text deltas to
// onToken while accumulating tool-call fragments by slice position.
func (p *Provider) generateStreaming(ctx context.Context, params anyllmlib.CompletionParams, onToken func(string)) (*types.GenerateResult, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	var content strings.Builder
	toolCallAccum := map[int]*types.ToolCall{}

	for chunk := range backendChunks {
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			onToken(delta.Content)
		}

		for i, tc := range delta.ToolCalls {
			existing, ok := toolCallAccum[i]
			if !ok {
				existing = &types.ToolCall{}
				toolCallAccum[i] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}
	}

	// Check for backend errors after the chunk channel is drained.
	if err := <-backendErrs; err != nil {
		return nil, fmt.Errorf("anyllm: stream: %w", err)
	}

	result := &types.GenerateResult{
		Content: content.String(),
	}
	for i := 0; i < len(toolCallAccum); i++ {
		if tc, ok := toolCallAccum[i]; ok {
			result.ToolCalls = append(result.ToolCalls, *tc)
		}
	}
	return result, nil
}

// buildParams converts a message history and tool list into anyllm CompletionParams.
func (p *Provider) buildParams(messages []types.Message, tools []types.ToolDefinition) anyllmlib.CompletionParams {
	converted := make([]anyllmlib.Message, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: converted,
	}

	for _, td := range tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

// convertMessage converts our types.Message to anyllm.Message.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}
