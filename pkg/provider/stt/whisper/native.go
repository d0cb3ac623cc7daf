// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxpipe/voxpipe/pkg/provider/modelcache"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once in
// Initialize and shared across all sessions; each Transcribe call creates
// its own whisper context, so concurrent calls do not interfere.
type NativeProvider struct {
	modelRef string
	language string

	mu    sync.Mutex
	model whisperlib.Model
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider for the given model reference: an
// on-disk path, or a bare file name resolved against the models directory
// of the voice-pipeline cache (see [modelcache.ResolveModel]). The model is
// not loaded until Initialize. The caller must call Close when the provider
// is no longer needed.
func NewNative(modelRef string, opts ...NativeOption) (*NativeProvider, error) {
	if modelRef == "" {
		return nil, errors.New("whisper: model reference must not be empty")
	}
	p := &NativeProvider{
		modelRef: modelRef,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Initialize resolves the model file and loads it into memory. Model load
// is the slow part of startup for this provider; expect seconds for the
// larger ggml files.
func (p *NativeProvider) Initialize(_ context.Context, progress func(message string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return nil
	}

	path, err := modelcache.ResolveModel(p.modelRef)
	if err != nil {
		return fmt.Errorf("whisper: resolve model: %w", err)
	}
	if progress != nil {
		progress("whisper: loading model " + path)
	}

	model, err := whisperlib.New(path)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	p.model = model

	if progress != nil {
		progress("whisper: model loaded")
	}
	return nil
}

// Ready reports whether the model has been loaded.
func (p *NativeProvider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs whisper.cpp inference over one utterance of 16 kHz mono
// samples. Empty input yields an empty string.
func (p *NativeProvider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	p.mu.Lock()
	model := p.model
	p.mu.Unlock()
	if model == nil {
		return "", errors.New("whisper: provider not initialised")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Contexts are single-use and not thread-safe; the shared model is.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
