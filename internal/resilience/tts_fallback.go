package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis back-ends, each behind its own circuit breaker.
//
// Entries may differ in voice, so a mid-turn failover can change how the
// assistant sounds; that beats a turn with missing sentences.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// back-end.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS provider. Register during startup,
// before the first Synthesize call.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Initialize warms up every back-end in the chain. It succeeds as long as at
// least one came up.
func (f *TTSFallback) Initialize(ctx context.Context, progress func(message string)) error {
	return f.group.Initialize(ctx, progress)
}

// Synthesize converts the sentence using the first healthy back-end. Nothing
// of a failed synthesis reaches the client, so retrying the sentence against
// the next back-end is always safe.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (tts.Playable, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (tts.Playable, error) {
		return p.Synthesize(ctx, text)
	})
}

// Ready reports whether any back-end in the chain is ready.
func (f *TTSFallback) Ready() bool {
	return f.group.Ready()
}
