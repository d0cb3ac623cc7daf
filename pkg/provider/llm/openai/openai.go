// Package openai provides an LLM provider backed by the OpenAI API.
//
// The provider reports NativeTools and StreamingTools: tool definitions are
// forwarded as-is and tool-call fragments are accumulated across stream
// chunks while text tokens flow to the caller.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client      oai.Client
	model       string
	temperature float64
	maxTokens   int
	ready       atomic.Bool
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	temperature  float64
	maxTokens    int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithTemperature sets the sampling temperature for all generations.
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = t
	}
}

// WithMaxTokens caps the completion length in tokens.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
	}, nil
}

// Initialize verifies the API key and model availability by fetching the
// model's metadata.
func (p *Provider) Initialize(ctx context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress("openai: verifying access to model " + p.model)
	}

	if _, err := p.client.Models.Get(ctx, p.model); err != nil {
		return fmt.Errorf("openai: model %s unavailable: %w", p.model, err)
	}

	p.ready.Store(true)
	if progress != nil {
		progress("openai: model " + p.model + " ready")
	}
	return nil
}

// Ready implements llm.Provider.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Capabilities implements llm.Provider. The o1-mini family rejects tool
// definitions, everything else speaks native tool calls.
func (p *Provider) Capabilities() llm.Capabilities {
	caps := llm.Capabilities{NativeTools: true, StreamingTools: true}
	if strings.HasPrefix(strings.ToLower(p.model), "o1-mini") {
		caps.NativeTools = false
	}
	return caps
}

// Generate implements llm.Provider. With opts.OnToken set the completion is
// streamed; otherwise a single buffered request is made. Either way the
// returned result carries the full content and any accumulated tool calls.
func (p *Provider) Generate(ctx context.Context, messages []types.Message, opts llm.Options) (*types.GenerateResult, error) {
	tools := opts.Tools
	if !p.Capabilities().NativeTools {
		tools = nil
	}

	params, err := p.buildParams(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	var result *types.GenerateResult
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

// generateBuffered performs a single non-streaming chat completion.
func (p *Provider) generateBuffered(ctx context.Context, params oai.ChatCompletionNewParams) (*types.GenerateResult, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &types.GenerateResult{
		Content: choice.Message.Content,
		Usage: types.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
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
// onToken while accumulating tool-call fragments keyed by index.
func (p *Provider) generateStreaming(ctx context.Context, params oai.ChatCompletionNewParams, onToken func(string)) (*types.GenerateResult, error) {
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var usage types.Usage
	toolCallAccum := map[int]*types.ToolCall{}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = types.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			onToken(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			existing, ok := toolCallAccum[idx]
			if !ok {
				existing = &types.ToolCall{}
				toolCallAccum[idx] = existing
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
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}

	result := &types.GenerateResult{
		Content: content.String(),
		Usage:   usage,
	}
	for i := 0; i < len(toolCallAccum); i++ {
		if tc, ok := toolCallAccum[i]; ok {
			result.ToolCalls = append(result.ToolCalls, *tc)
		}
	}
	return result, nil
}

// buildParams converts a message history and tool list into OpenAI SDK params.
func (p *Provider) buildParams(messages []types.Message, tools []types.ToolDefinition) (oai.ChatCompletionNewParams, error) {
	converted := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		converted = append(converted, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: converted,
	}

	if p.temperature != 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(p.maxTokens))
	}

	for _, td := range tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case types.RoleUser:
		return oai.UserMessage(m.Content), nil

	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
