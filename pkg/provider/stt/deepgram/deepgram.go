// Package deepgram provides a Deepgram-backed STT provider using the
// pre-recorded transcription API. It implements the stt.Provider interface.
//
// Each utterance is uploaded as a WAV file to /v1/listen; Deepgram's hosted
// models (nova-3 by default) return the transcript in a single response, so
// no streaming session management is needed.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

const (
	defaultBaseURL  = "https://api.deepgram.com"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	listenPath   = "/v1/listen"
	projectsPath = "/v1/projects"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Keyword boosts recognition of a domain term (a proper noun, product name,
// character name) that the acoustic model would otherwise miss.
type Keyword struct {
	Term  string
	Boost float64
}

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeywords sets domain keywords to boost during recognition.
func WithKeywords(keywords ...Keyword) Option {
	return func(p *Provider) { p.keywords = keywords }
}

// WithBaseURL overrides the Deepgram API base URL. Intended for tests and
// self-hosted deployments.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements stt.Provider backed by the Deepgram pre-recorded API.
// It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	keywords   []Keyword
	httpClient *http.Client
	ready      atomic.Bool
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Initialize verifies the API key by listing projects, so a revoked or
// mistyped key fails at startup rather than on the first utterance.
func (p *Provider) Initialize(ctx context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress("deepgram: verifying API key")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+projectsPath, nil)
	if err != nil {
		return fmt.Errorf("deepgram: create probe request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deepgram: api unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deepgram: API key rejected (HTTP %d)", resp.StatusCode)
	}

	p.ready.Store(true)
	if progress != nil {
		progress("deepgram: ready (model " + p.model + ")")
	}
	return nil
}

// Ready reports whether Initialize succeeded.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Transcribe encodes samples as a 16 kHz WAV file and submits it to the
// pre-recorded transcription endpoint. Empty input yields an empty string.
func (p *Provider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	wav := audio.EncodeWAV(samples, stt.SampleRate)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.listenURL(), bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, errorSnippet(data))
	}

	text, ok := parseListenResponse(data)
	if !ok {
		return "", errors.New("deepgram: response contained no transcript")
	}
	return strings.TrimSpace(text), nil
}

// listenURL constructs the transcription endpoint URL including model,
// language, and keyword boosts.
func (p *Provider) listenURL() string {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("smart_format", "true")
	for _, kw := range p.keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Term, kw.Boost))
	}
	return p.baseURL + listenPath + "?" + q.Encode()
}

// listenResponse is the JSON structure returned by the pre-recorded API.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseListenResponse extracts the first alternative's transcript.
// Returns ("", false) if the response carries no usable transcript.
func parseListenResponse(data []byte) (string, bool) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", false
	}
	return resp.Results.Channels[0].Alternatives[0].Transcript, true
}

// errorSnippet extracts the err_msg field from a Deepgram error body, falling
// back to a truncated raw body.
func errorSnippet(data []byte) string {
	var e struct {
		ErrMsg string `json:"err_msg"`
	}
	if json.Unmarshal(data, &e) == nil && e.ErrMsg != "" {
		return e.ErrMsg
	}
	s := string(data)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
