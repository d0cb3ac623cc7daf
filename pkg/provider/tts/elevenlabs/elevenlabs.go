// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface: each sentence opens one stream-input socket, collects the
// base64 PCM chunks the service pushes back, and returns them as a single
// buffered playable.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	voicesEndpoint   = "/v1/voices"
	addVoiceEndpoint = "/v1/voices/add"

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice selects the voice by ID or by display name (e.g., "Rachel").
// Leave empty to let Initialize pick the first voice on the account.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithOutputFormat sets the audio output format. Only raw PCM formats are
// supported ("pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100"); compressed
// formats cannot be turned into sample frames.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API base URL. The WebSocket endpoint is derived
// from it, so tests can point the provider at a local server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.apiBase = strings.TrimRight(u, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
// It is safe for concurrent use; each Synthesize call owns its own socket.
type Provider struct {
	apiKey       string
	model        string
	voice        string // as configured: ID or name
	outputFormat string
	apiBase      string
	httpClient   *http.Client

	sampleRate int    // parsed from outputFormat
	voiceID    string // resolved by Initialize
	voiceName  string
	ready      atomic.Bool
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty and the
// output format must be a raw PCM variant.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		apiBase:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}

	rate, err := pcmSampleRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake that authenticates
// and configures the stream.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// audioResponse is a JSON message received from ElevenLabs over the socket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// ---- Initialize ----

// Initialize fetches the voice catalogue, resolves the configured voice
// (by ID or name) to a voice ID, and reports progress. Calling it again
// after success is a no-op.
func (p *Provider) Initialize(ctx context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}
	if progress != nil {
		progress("elevenlabs: fetching voice catalogue")
	}

	voices, err := p.ListVoices(ctx)
	if err != nil {
		return err
	}
	if len(voices) == 0 {
		return errors.New("elevenlabs: account offers no voices")
	}

	if p.voice == "" {
		p.voiceID, p.voiceName = voices[0].ID, voices[0].Name
	} else {
		v, ok := resolveVoice(voices, p.voice)
		if !ok {
			return fmt.Errorf("elevenlabs: voice %q not found among %d account voices", p.voice, len(voices))
		}
		p.voiceID, p.voiceName = v.ID, v.Name
	}
	if progress != nil {
		progress(fmt.Sprintf("elevenlabs: using voice %s (%s)", p.voiceName, p.voiceID))
	}

	p.ready.Store(true)
	return nil
}

// Ready implements tts.Provider.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// ---- Synthesize ----

// Synthesize opens a stream-input socket for the resolved voice, sends the
// sentence, and collects the PCM chunks into one buffered playable. The
// socket is closed before returning.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Playable, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if p.voiceID == "" {
		return nil, errors.New("elevenlabs: provider not initialised")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// BOI first: a non-empty text value is required by the API.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: defaultStability, SimilarityBoost: defaultSimilarityBoost},
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	}
	if err := p.writeJSON(ctx, conn, boi); err != nil {
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}
	if err := p.writeJSON(ctx, conn, textMessage{Text: text}); err != nil {
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// Empty text flushes the stream and ends input.
	if err := p.writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return nil, fmt.Errorf("elevenlabs: send EOS: %w", err)
	}

	pcm, err := p.collectAudio(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &tts.Buffered{Frame: audio.Frame{
		Samples:    audio.PCM16ToFloat32(pcm),
		SampleRate: p.sampleRate,
	}}, nil
}

// collectAudio drains audio messages until the final marker or a normal
// close, concatenating the decoded PCM.
func (p *Provider) collectAudio(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio chunk: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			if len(pcm) == 0 {
				return nil, errors.New("elevenlabs: stream ended without audio")
			}
			return pcm, nil
		}
	}
}

func (p *Provider) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// streamURL builds the stream-input socket URL for the resolved voice.
func (p *Provider) streamURL() string {
	return buildStreamURL(p.apiBase, p.voiceID, p.model)
}

// buildStreamURL derives the WebSocket endpoint from the API base URL, so a
// provider pointed at http://host also dials ws://host.
func buildStreamURL(apiBase, voiceID, model string) string {
	wsBase := strings.Replace(apiBase, "http", "ws", 1)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s", wsBase, voiceID, model)
}

// pcmSampleRate extracts the sample rate from a raw PCM output format name
// such as "pcm_16000".
func pcmSampleRate(format string) (int, error) {
	raw, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
	}
	return rate, nil
}

// ---- voices ----

// Voice is one entry of the account's voice catalogue.
type Voice struct {
	ID       string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []Voice `json:"voices"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return vr.Voices, nil
}

// resolveVoice finds the catalogue entry matching want, by exact ID first
// and then by case-insensitive name.
func resolveVoice(voices []Voice, want string) (Voice, bool) {
	for _, v := range voices {
		if v.ID == want {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.Name, want) {
			return v, true
		}
	}
	return Voice{}, false
}

// ---- CloneVoice ----

// addVoiceResponse is the JSON body returned by POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

// CloneVoice creates a new voice from audio samples via POST /v1/voices/add
// and returns the new voice ID. Each element of samples must be a complete
// audio file the service accepts (WAV or MP3).
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (string, error) {
	if name == "" {
		return "", errors.New("elevenlabs: CloneVoice requires a voice name")
	}
	if len(samples) == 0 {
		return "", errors.New("elevenlabs: CloneVoice requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return "", fmt.Errorf("elevenlabs: write name field: %w", err)
	}
	for i, sample := range samples {
		filename := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("files", filename)
		if err != nil {
			return "", fmt.Errorf("elevenlabs: create form file %s: %w", filename, err)
		}
		if _, err := fw.Write(sample); err != nil {
			return "", fmt.Errorf("elevenlabs: write form file %s: %w", filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+addVoiceEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: create add-voice request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: POST %s: %w", addVoiceEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("elevenlabs: POST %s returned status %d", addVoiceEndpoint, resp.StatusCode)
	}

	var av addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&av); err != nil {
		return "", fmt.Errorf("elevenlabs: decode add-voice response: %w", err)
	}
	if av.VoiceID == "" {
		return "", errors.New("elevenlabs: add-voice response missing voice_id")
	}
	return av.VoiceID, nil
}
