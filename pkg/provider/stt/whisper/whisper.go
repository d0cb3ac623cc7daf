// Package whisper provides speech-to-text providers backed by whisper.cpp.
//
// Two variants are available:
//
//   - [Provider] talks to a running whisper-server binary over its REST API
//     (POST /inference with a WAV upload). Use it when the model runs in a
//     separate process or on another host.
//   - [NativeProvider] loads the model in-process through the whisper.cpp
//     CGO bindings, eliminating HTTP overhead entirely.
//
// Both transcribe one finished utterance per call; segmentation happens
// upstream in the session's audio buffer.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	if err := p.Initialize(ctx, nil); err != nil { ... }
//	text, err := p.Transcribe(ctx, samples)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	inferenceEndpoint = "/inference"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the whisper-server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements stt.Provider backed by a whisper-server process.
// It is safe for concurrent use; utterances from distinct sessions may be
// transcribed in parallel.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
	ready      atomic.Bool
}

// New creates a Provider that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Initialize probes the server so a misconfigured endpoint fails at startup
// rather than on the first utterance. Any HTTP response counts as alive;
// only transport errors fail the probe.
func (p *Provider) Initialize(ctx context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress("whisper: connecting to " + p.serverURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create probe request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: server unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	p.ready.Store(true)
	if progress != nil {
		progress("whisper: server ready")
	}
	return nil
}

// Ready reports whether Initialize succeeded.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Transcribe encodes samples as a 16 kHz WAV file and submits it to the
// whisper-server inference endpoint. Empty input yields an empty string.
func (p *Provider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	wav := audio.EncodeWAV(samples, stt.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+inferenceEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
