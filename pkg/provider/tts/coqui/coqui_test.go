package coqui

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// ---- test helpers ----

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// testWAV builds a WAV body with a short ramp of samples at the given rate.
func testWAV(sampleRate int) []byte {
	samples := make([]float32, 200)
	for i := range samples {
		samples[i] = float32(i%20) / 40.0
	}
	return audio.EncodeWAV(samples, sampleRate)
}

// buffered asserts the playable is a Buffered and returns it.
func buffered(t *testing.T, p tts.Playable) *tts.Buffered {
	t.Helper()
	b, ok := p.(*tts.Buffered)
	if !ok {
		t.Fatalf("playable = %T, want *tts.Buffered", p)
	}
	return b
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want %q", p.serverURL, "http://localhost:5002")
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("empty URL returns error", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002",
			WithLanguage("de"),
			WithVoice("p225"),
			WithAPIMode(APIModeXTTS),
			WithTimeout(5*time.Second),
			WithOutputSampleRate(16000),
		)
		if p.language != "de" {
			t.Errorf("language = %q, want %q", p.language, "de")
		}
		if p.voice != "p225" {
			t.Errorf("voice = %q, want %q", p.voice, "p225")
		}
		if p.apiMode != APIModeXTTS {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeXTTS)
		}
		if p.outputRate != 16000 {
			t.Errorf("outputRate = %d, want 16000", p.outputRate)
		}
	})
}

// ---- Initialize ----

func TestInitialize_StandardPicksFirstSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != detailsEndpoint {
			t.Errorf("path = %q, want %q", r.URL.Path, detailsEndpoint)
		}
		json.NewEncoder(w).Encode(detailsResponse{
			ModelName: "tts_models/en/vctk/vits",
			Language:  "en",
			Speakers:  []string{"p340", "p225", "p226"},
		})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	var progress []string
	if err := p.Initialize(context.Background(), func(msg string) { progress = append(progress, msg) }); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if p.voice != "p225" {
		t.Errorf("voice = %q, want first sorted speaker p225", p.voice)
	}
	if !p.Ready() {
		t.Error("Ready() = false after Initialize")
	}
	if len(progress) == 0 {
		t.Error("expected progress messages")
	}
}

func TestInitialize_StandardUnknownSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detailsResponse{
			ModelName: "tts_models/en/vctk/vits",
			Speakers:  []string{"p225", "p226"},
		})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithVoice("zeta"))
	if err := p.Initialize(context.Background(), nil); err == nil {
		t.Fatal("expected error for unknown speaker, got nil")
	}
	if p.Ready() {
		t.Error("Ready() = true after failed Initialize")
	}
}

func TestInitialize_StandardSingleSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detailsResponse{ModelName: "tts_models/en/ljspeech/vits"})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p.voice != "" {
		t.Errorf("voice = %q, want empty for single-speaker model", p.voice)
	}
}

func TestInitialize_XTTSPicksFirstStudioVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			t.Errorf("path = %q, want %q", r.URL.Path, studioSpeakersEndpoint)
		}
		io.WriteString(w, `{"Claribel Dervla": {}, "Ana Florence": {}}`)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p.voice != "Ana Florence" {
		t.Errorf("voice = %q, want first sorted studio voice", p.voice)
	}
}

func TestInitialize_XTTSNoVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	if err := p.Initialize(context.Background(), nil); err == nil {
		t.Fatal("expected error when no voice is configured and none offered")
	}
}

func TestInitialize_ServerUnreachable(t *testing.T) {
	p := mustNew(t, "http://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	if err := p.Initialize(context.Background(), nil); err == nil {
		t.Fatal("expected error for unreachable server, got nil")
	}
	if p.Ready() {
		t.Error("Ready() = true after failed Initialize")
	}
}

// ---- Synthesize ----

func TestSynthesize_Standard(t *testing.T) {
	const sentence = "The cellar door creaks open."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint {
			t.Errorf("path = %q, want %q", r.URL.Path, apiTTSEndpoint)
		}
		q := r.URL.Query()
		if got := q.Get("text"); got != sentence {
			t.Errorf("text = %q, want %q", got, sentence)
		}
		if got := q.Get("speaker_id"); got != "p225" {
			t.Errorf("speaker_id = %q, want p225", got)
		}
		if got := q.Get("language_id"); got != "en" {
			t.Errorf("language_id = %q, want en", got)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(testWAV(22050))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithVoice("p225"))
	playable, err := p.Synthesize(context.Background(), sentence)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	b := buffered(t, playable)
	if b.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", b.SampleRate)
	}
	if len(b.Samples) != 200 {
		t.Errorf("len(Samples) = %d, want 200", len(b.Samples))
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			t.Errorf("%s %s, want POST %s", r.Method, r.URL.Path, ttsEndpoint)
		}
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Text != "Roll for initiative." {
			t.Errorf("text = %q", req.Text)
		}
		if req.SpeakerWav != "Ana Florence" {
			t.Errorf("speaker_wav = %q", req.SpeakerWav)
		}
		if req.Language != "en" {
			t.Errorf("language = %q", req.Language)
		}
		w.Write(testWAV(24000))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithVoice("Ana Florence"))
	playable, err := p.Synthesize(context.Background(), "Roll for initiative.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := buffered(t, playable).SampleRate; got != 24000 {
		t.Errorf("SampleRate = %d, want 24000", got)
	}
}

func TestSynthesize_ResamplesToOutputRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testWAV(22050))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithOutputSampleRate(16000))
	playable, err := p.Synthesize(context.Background(), "Resample me.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	b := buffered(t, playable)
	if b.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", b.SampleRate)
	}
	want := 200 * 16000 / 22050
	if math.Abs(float64(len(b.Samples)-want)) > 2 {
		t.Errorf("len(Samples) = %d, want about %d", len(b.Samples), want)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p := mustNew(t, "http://localhost:5002")
	if _, err := p.Synthesize(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty text, got nil")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "Hello."); err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestSynthesize_MalformedWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not a wav file")
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "Hello."); err == nil {
		t.Fatal("expected error for malformed WAV, got nil")
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	t.Run("standard multi-speaker", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(detailsResponse{
				ModelName: "tts_models/en/vctk/vits",
				Speakers:  []string{"p340", "p225"},
			})
		}))
		defer srv.Close()

		voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 2 || voices[0] != "p225" || voices[1] != "p340" {
			t.Errorf("voices = %v, want sorted [p225 p340]", voices)
		}
	})

	t.Run("standard single-speaker", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(detailsResponse{ModelName: "tts_models/en/ljspeech/vits"})
		}))
		defer srv.Close()

		voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 1 || voices[0] != "tts_models/en/ljspeech/vits" {
			t.Errorf("voices = %v, want the model name", voices)
		}
	})

	t.Run("xtts studio speakers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"Claribel Dervla": {}, "Ana Florence": {}}`)
		}))
		defer srv.Close()

		voices, err := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS)).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 2 || voices[0] != "Ana Florence" {
			t.Errorf("voices = %v, want sorted studio names", voices)
		}
	})
}

// ---- CloneVoice ----

func TestCloneVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != cloneSpeakerEndpoint {
			t.Errorf("%s %s, want POST %s", r.Method, r.URL.Path, cloneSpeakerEndpoint)
		}
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart (boundary %q): %v", params["boundary"], err)
		}
		files := r.MultipartForm.File["wav_files"]
		if len(files) != 2 {
			t.Errorf("wav_files count = %d, want 2", len(files))
		}
		json.NewEncoder(w).Encode(cloneSpeakerResponse{Name: "narrator-clone", Status: "ok"})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	name, err := p.CloneVoice(context.Background(), [][]byte{testWAV(22050), testWAV(22050)})
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if name != "narrator-clone" {
		t.Errorf("name = %q, want narrator-clone", name)
	}
}

func TestCloneVoice_StandardModeRejected(t *testing.T) {
	p := mustNew(t, "http://localhost:5002")
	if _, err := p.CloneVoice(context.Background(), [][]byte{testWAV(22050)}); err == nil {
		t.Fatal("expected error in standard mode, got nil")
	}
}

func TestCloneVoice_NoSamples(t *testing.T) {
	p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
	if _, err := p.CloneVoice(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty samples, got nil")
	}
}
