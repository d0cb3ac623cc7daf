// Package tts defines the Provider interface for text-to-speech back-ends
// and the Playable variants they produce.
//
// A TTS provider wraps a synthesis engine (a local Coqui server, the
// ElevenLabs streaming socket, a cloud API, or the platform speech command)
// behind a uniform per-sentence interface: the orchestrator hands it one
// normalised sentence and receives a [Playable]. Most providers return a
// [Buffered] playable carrying raw samples that can be serialised to the
// wire; providers that can only trigger playback on the local host return
// an [Opaque] playable instead.
//
// Implementations must be safe for concurrent use: the orchestrator
// synthesises several sentences of the same turn in parallel.
package tts

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/audio"
)

// Playable is one synthesised utterance ready for delivery. It is a closed
// set: [Buffered] or [Opaque].
type Playable interface {
	playable()
}

// Buffered is a playable carrying raw mono float32 samples at a known rate.
// It can be serialised into wire audio frames.
type Buffered struct {
	audio.Frame
}

func (*Buffered) playable() {}

// Opaque is a playable with no raw data available; synthesis happens at
// playback on the local host. It must never be forwarded over the wire.
type Opaque struct {
	// Play performs the local playback. It blocks until playback finishes
	// or ctx is cancelled.
	Play func(ctx context.Context) error
}

func (*Opaque) playable() {}

// Provider is the abstraction over any TTS back-end.
type Provider interface {
	// Initialize performs the provider's heavy setup: model downloads,
	// server warm-up, voice listing. progress, if non-nil, receives
	// human-readable status lines as setup advances. Initialize must be
	// called before Synthesize; calling it again after success is a no-op.
	Initialize(ctx context.Context, progress func(message string)) error

	// Synthesize converts one sentence of plain text into a playable. The
	// text has already been normalised for speech; providers must accept
	// arbitrary ASCII without further cleaning.
	Synthesize(ctx context.Context, text string) (Playable, error)

	// Ready reports whether the provider is initialised and able to serve
	// Synthesize calls.
	Ready() bool
}
