package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple transcription back-ends, each behind its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// back-end.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider. Register during startup,
// before the first Transcribe call.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Initialize warms up every back-end in the chain. It succeeds as long as at
// least one came up.
func (f *STTFallback) Initialize(ctx context.Context, progress func(message string)) error {
	return f.group.Initialize(ctx, progress)
}

// Transcribe converts the utterance using the first healthy back-end.
// Transcription is a pure function of the samples, so retrying a failed
// utterance against the next back-end is always safe.
func (f *STTFallback) Transcribe(ctx context.Context, samples []float32) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, samples)
	})
}

// Ready reports whether any back-end in the chain is ready.
func (f *STTFallback) Ready() bool {
	return f.group.Ready()
}
