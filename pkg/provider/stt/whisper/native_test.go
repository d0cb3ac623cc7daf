package whisper_test

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/provider/modelcache"
	"github.com/voxpipe/voxpipe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyRef_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model reference, got nil")
	}
}

func TestNativeInitialize_MissingModel_ReturnsError(t *testing.T) {
	t.Setenv(modelcache.EnvVar, t.TempDir())

	p, err := whisper.NewNative("no-such-model.bin")
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := p.Initialize(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing model file, got nil")
	}
	if p.Ready() {
		t.Error("Ready() = true after failed Initialize")
	}
}

func TestNativeTranscribe_EmptyInput(t *testing.T) {
	p, err := whisper.NewNative("model.bin")
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}

	// Empty input short-circuits before the model is touched.
	text, err := p.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Transcribe(nil): %v", err)
	}
	if text != "" {
		t.Errorf("Transcribe(nil) = %q, want empty", text)
	}
}

func TestNativeTranscribe_BeforeInitialize_ReturnsError(t *testing.T) {
	p, err := whisper.NewNative("model.bin")
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), make([]float32, 160)); err == nil {
		t.Fatal("Transcribe before Initialize should return an error")
	}
}

func TestNativeClose_Idempotent(t *testing.T) {
	p, err := whisper.NewNative("model.bin")
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestNativeTranscribe_Integration(t *testing.T) {
	modelPath := testModelPath(t)

	p, err := whisper.NewNative(modelPath, whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	var progress []string
	if err := p.Initialize(context.Background(), func(m string) { progress = append(progress, m) }); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !p.Ready() {
		t.Fatal("Ready() = false after Initialize")
	}
	if len(progress) == 0 {
		t.Error("expected progress messages during Initialize")
	}

	// One second of a 440 Hz tone. The transcript content depends on the
	// model, so we only verify inference completes.
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.3 * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	text, err := p.Transcribe(context.Background(), samples)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	t.Logf("transcribed text: %q", text)
}

func TestNativeTranscribe_CancelledContext(t *testing.T) {
	modelPath := testModelPath(t)

	p, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()
	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, make([]float32, 16000)); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
