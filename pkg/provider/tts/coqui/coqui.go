// Package coqui provides a TTS provider backed by a locally-running Coqui
// server, reached over its REST API. It implements the tts.Provider
// interface: one HTTP call per sentence, returning a buffered playable with
// the decoded samples.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts
//     with URL query parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body; the voice
//     catalogue comes from GET /studio_speakers; voice cloning is available
//     via POST /clone_speaker.
//
// Typical usage (standard server):
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	err = p.Initialize(ctx, nil)
//	playable, err := p.Synthesize(ctx, "The cellar door creaks open.")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	// It supports voice cloning via /clone_speaker and voice listing via
	// /studio_speakers.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode. Voice listing is performed via /details.
	// Voice cloning is not supported in this mode.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code sent to the TTS server (e.g.,
// "en", "de", "fr"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for
// the standard Coqui TTS Docker image (ghcr.io/coqui-ai/tts-cpu) or
// APIModeXTTS for the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithVoice selects the voice: a speaker id for the standard server, a
// studio speaker or cloned voice name for XTTS. Leave empty to let
// Initialize pick the first catalogue entry (or the single-speaker model's
// only voice).
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithOutputSampleRate configures the provider to resample synthesised audio
// to the given sample rate. When set to 0 (default), samples are returned at
// the model's native rate (22050 Hz for most Coqui models).
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a locally-running Coqui TTS
// server. It is safe for concurrent use; sentences of the same turn may be
// synthesised in parallel.
type Provider struct {
	serverURL  string
	language   string
	voice      string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int // target sample rate; 0 = native rate

	ready atomic.Bool
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty. Functional
// options may override the language, voice, per-request timeout, and API
// mode. The default API mode is APIModeStandard.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- internal request/response types ----

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// studioSpeakersResponse represents the raw map[name]any returned by
// GET /studio_speakers. Only the keys (voice names) matter, so the values
// are left as json.RawMessage.
type studioSpeakersResponse map[string]json.RawMessage

// cloneSpeakerResponse is the JSON body returned by POST /clone_speaker.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models and non-nil for multi-speaker
// models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ---- Initialize ----

// Initialize verifies the server is reachable by fetching the voice
// catalogue, resolves the voice when none was configured, and reports
// progress. Calling it again after success is a no-op.
func (p *Provider) Initialize(ctx context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress(fmt.Sprintf("coqui: connecting to %s server at %s", p.apiMode, p.serverURL))
	}

	switch p.apiMode {
	case APIModeXTTS:
		if err := p.initializeXTTS(ctx, progress); err != nil {
			return err
		}
	default:
		if err := p.initializeStandard(ctx, progress); err != nil {
			return err
		}
	}

	p.ready.Store(true)
	return nil
}

// initializeStandard probes GET /details and validates the configured voice
// against the speaker list for multi-speaker models.
func (p *Provider) initializeStandard(ctx context.Context, progress func(message string)) error {
	details, err := p.fetchDetails(ctx)
	if err != nil {
		return err
	}
	if progress != nil && details.ModelName != "" {
		progress("coqui: server ready, model " + details.ModelName)
	}

	if len(details.Speakers) == 0 {
		// Single-speaker model: the voice parameter is not sent.
		return nil
	}
	if p.voice == "" {
		speakers := append([]string(nil), details.Speakers...)
		sort.Strings(speakers)
		p.voice = speakers[0]
		if progress != nil {
			progress("coqui: no voice configured, using speaker " + p.voice)
		}
		return nil
	}
	for _, spk := range details.Speakers {
		if spk == p.voice {
			return nil
		}
	}
	return fmt.Errorf("coqui: speaker %q not offered by model %s", p.voice, details.ModelName)
}

// initializeXTTS probes GET /studio_speakers. A configured voice missing
// from the catalogue is accepted: cloned voices are registered server-side
// and do not appear in the studio list.
func (p *Provider) initializeXTTS(ctx context.Context, progress func(message string)) error {
	names, err := p.fetchStudioSpeakers(ctx)
	if err != nil {
		return err
	}
	if progress != nil {
		progress(fmt.Sprintf("coqui: server ready, %d studio voices", len(names)))
	}

	if p.voice == "" {
		if len(names) == 0 {
			return errors.New("coqui: XTTS mode needs a voice and the server offers no studio speakers")
		}
		p.voice = names[0]
		if progress != nil {
			progress("coqui: no voice configured, using studio speaker " + p.voice)
		}
	}
	return nil
}

// ---- Synthesize ----

// Synthesize converts one sentence into a buffered playable via a single
// HTTP call. The WAV response is decoded to mono float32 samples and, when
// an output rate is configured, resampled.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Playable, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}

	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeXTTS {
		wav, err = p.synthesizeXTTS(ctx, text)
	} else {
		wav, err = p.synthesizeStandard(ctx, text)
	}
	if err != nil {
		return nil, err
	}

	frame, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode WAV response: %w", err)
	}
	if p.outputRate > 0 && frame.SampleRate != p.outputRate {
		frame.Samples = audio.ResampleMono(frame.Samples, frame.SampleRate, p.outputRate)
		frame.SampleRate = p.outputRate
	}
	return &tts.Buffered{Frame: frame}, nil
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode)
// and returns the raw WAV response.
func (p *Provider) synthesizeXTTS(ctx context.Context, text string) ([]byte, error) {
	body := ttsRequest{
		Text:       text,
		SpeakerWav: p.voice,
		Language:   p.language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsEndpoint, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// synthesizeStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters and returns the raw WAV response.
func (p *Provider) synthesizeStandard(ctx context.Context, text string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if p.voice != "" {
		params.Set("speaker_id", p.voice)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// Ready implements tts.Provider.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// ---- ListVoices ----

// ListVoices retrieves the names of the voices the server offers, sorted.
//
// In APIModeXTTS it lists the studio speakers; in APIModeStandard it returns
// the model's speakers, or the model name itself for single-speaker models.
func (p *Provider) ListVoices(ctx context.Context) ([]string, error) {
	if p.apiMode == APIModeXTTS {
		return p.fetchStudioSpeakers(ctx)
	}

	details, err := p.fetchDetails(ctx)
	if err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		names := append([]string(nil), details.Speakers...)
		sort.Strings(names)
		return names, nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []string{name}, nil
}

// fetchStudioSpeakers retrieves the studio voice names from the XTTS server
// via GET /studio_speakers, sorted for deterministic output.
func (p *Provider) fetchStudioSpeakers(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+studioSpeakersEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", studioSpeakersEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", studioSpeakersEndpoint, resp.StatusCode)
	}

	var raw studioSpeakersResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// fetchDetails retrieves model info from the standard server via GET /details.
func (p *Provider) fetchDetails(ctx context.Context) (*detailsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create details request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}
	return &details, nil
}

// ---- CloneVoice ----

// CloneVoice creates a new speaker voice by uploading WAV audio samples to
// the XTTS server via POST /clone_speaker and returns the registered voice
// name. Each element of samples must be a valid WAV-encoded audio file.
//
// Voice cloning is only supported in APIModeXTTS. In APIModeStandard, this
// method always returns an error.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (string, error) {
	if p.apiMode != APIModeXTTS {
		return "", errors.New("coqui: voice cloning is not supported in standard API mode")
	}
	if len(samples) == 0 {
		return "", errors.New("coqui: CloneVoice requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, sample := range samples {
		filename := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("wav_files", filename)
		if err != nil {
			return "", fmt.Errorf("coqui: create form file %s: %w", filename, err)
		}
		if _, err := fw.Write(sample); err != nil {
			return "", fmt.Errorf("coqui: write form file %s: %w", filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("coqui: POST %s: %w", cloneSpeakerEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("coqui: POST %s returned status %d", cloneSpeakerEndpoint, resp.StatusCode)
	}

	var cloneResp cloneSpeakerResponse
	if err := json.NewDecoder(resp.Body).Decode(&cloneResp); err != nil {
		return "", fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if cloneResp.Name == "" {
		return "", errors.New("coqui: clone-speaker response missing name")
	}
	return cloneResp.Name, nil
}
