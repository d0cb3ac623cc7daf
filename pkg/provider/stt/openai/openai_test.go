package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/provider/stt/openai"
)

// newAPIServer fakes the two OpenAI endpoints the provider touches:
// GET /models/{model} for the readiness probe and POST /audio/transcriptions
// for inference.
func newAPIServer(t *testing.T, transcript string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/models/"):
			json.NewEncoder(w).Encode(map[string]any{
				"id":     strings.TrimPrefix(r.URL.Path, "/models/"),
				"object": "model",
			})
		case r.Method == http.MethodPost && r.URL.Path == "/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parse multipart form: %v", err)
			}
			if _, hdr, err := r.FormFile("file"); err != nil {
				t.Errorf("form file: %v", err)
			} else if hdr.Filename != "audio.wav" {
				t.Errorf("upload filename = %q, want audio.wav", hdr.Filename)
			}
			if got := r.FormValue("model"); got == "" {
				t.Error("expected a model form value")
			}
			json.NewEncoder(w).Encode(map[string]string{"text": transcript})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestInitialize(t *testing.T) {
	srv := newAPIServer(t, "")
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Ready() {
		t.Error("Ready() = true before Initialize")
	}
	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !p.Ready() {
		t.Error("Ready() = false after Initialize")
	}
}

func TestInitialize_UnknownModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL), openai.WithModel("nope"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Initialize(context.Background(), nil); err == nil {
		t.Fatal("Initialize should fail for an unknown model")
	}
}

func TestTranscribe(t *testing.T) {
	srv := newAPIServer(t, "  the goblin attacks  ")
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL), openai.WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "the goblin attacks" {
		t.Errorf("Transcribe = %q, want %q (whitespace trimmed)", text, "the goblin attacks")
	}
}

func TestTranscribe_EmptyInput(t *testing.T) {
	t.Parallel()
	p, err := openai.New("sk-test", openai.WithBaseURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Transcribe(nil): %v", err)
	}
	if text != "" {
		t.Errorf("Transcribe(nil) = %q, want empty", text)
	}
}
