// Package openai provides a TTS provider backed by the OpenAI speech API
// (tts-1 by default). Synthesis requests raw PCM so the response bytes can
// be framed without container parsing.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

const (
	defaultModel = oai.SpeechModelTTS1
	defaultVoice = oai.AudioSpeechNewParamsVoiceAlloy

	// pcmSampleRate is the fixed rate of the API's raw PCM output:
	// 24 kHz, 16-bit little-endian, mono.
	pcmSampleRate = 24000
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	model   oai.SpeechModel
	voice   oai.AudioSpeechNewParamsVoice
	speed   float64
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model (e.g., "tts-1", "tts-1-hd",
// "gpt-4o-mini-tts"). Defaults to tts-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = oai.SpeechModel(model) }
}

// WithVoice sets the voice (e.g., "alloy", "echo", "nova", "onyx").
// Defaults to alloy.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = oai.AudioSpeechNewParamsVoice(voice) }
}

// WithSpeed sets the speaking speed multiplier in [0.25, 4.0]. Zero leaves
// the API default of 1.0.
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
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

// Provider implements tts.Provider using the OpenAI speech API.
// It is safe for concurrent use.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
	voice  oai.AudioSpeechNewParamsVoice
	speed  float64
	ready  atomic.Bool
}

// New creates a new OpenAI TTS provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := config{model: defaultModel, voice: defaultVoice}
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
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
		speed:  cfg.speed,
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
		progress(fmt.Sprintf("openai: speech ready, voice %s", p.voice))
	}
	return nil
}

// Ready reports whether Initialize succeeded.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Synthesize submits one sentence to the speech endpoint and returns the
// raw PCM response as a buffered playable at 24 kHz.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Playable, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: text must not be empty")
	}

	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          p.voice,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed > 0 {
		params.Speed = param.NewOpt(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("openai: speech response carried no audio")
	}

	return &tts.Buffered{Frame: audio.Frame{
		Samples:    audio.PCM16ToFloat32(pcm),
		SampleRate: pcmSampleRate,
	}}, nil
}
