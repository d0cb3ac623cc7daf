// Package openai provides an STT provider backed by the OpenAI
// transcription API (whisper-1 by default).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

const defaultModel = oai.AudioModelWhisper1

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	model    oai.AudioModel
	language string
	baseURL  string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the transcription model (e.g., "whisper-1",
// "gpt-4o-transcribe"). Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = oai.AudioModel(model) }
}

// WithLanguage sets the ISO-639-1 input language hint (e.g., "en").
// Supplying it improves accuracy and latency; unset lets the model detect.
func WithLanguage(language string) Option {
	return func(c *config) { c.language = language }
}

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible gateways and tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements stt.Provider using the OpenAI transcription API.
// It is safe for concurrent use.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
	ready    atomic.Bool
}

// New creates a new OpenAI STT provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := config{model: defaultModel}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Initialize verifies the API key and model availability by fetching the
// model's metadata.
func (p *Provider) Initialize(ctx context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress("openai: verifying access to model " + string(p.model))
	}

	if _, err := p.client.Models.Get(ctx, string(p.model)); err != nil {
		return fmt.Errorf("openai: model %s unavailable: %w", p.model, err)
	}

	p.ready.Store(true)
	if progress != nil {
		progress("openai: transcription ready")
	}
	return nil
}

// Ready reports whether Initialize succeeded.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Transcribe encodes samples as a 16 kHz WAV file and submits it to the
// transcription endpoint. Empty input yields an empty string.
func (p *Provider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	wav := audio.EncodeWAV(samples, stt.SampleRate)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: p.model,
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcription request: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
