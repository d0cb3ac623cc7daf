// Package stt defines the Provider interface for speech-to-text back-ends.
//
// An STT provider wraps a transcription engine (a local whisper-server, the
// in-process whisper.cpp bindings, or a cloud API) behind a uniform
// batch-transcription interface: the orchestrator hands it one finished
// utterance as mono float32 samples and receives the transcript text.
//
// Implementations must be safe for concurrent use; distinct sessions may
// transcribe at the same time.
package stt

import "context"

// SampleRate is the sample rate, in Hz, at which utterances are handed to
// Transcribe. Callers resample before calling; providers may rely on it.
const SampleRate = 16000

// Provider is the abstraction over any STT back-end.
type Provider interface {
	// Initialize performs the provider's heavy setup: model downloads,
	// process warm-up, connectivity checks. progress, if non-nil, receives
	// human-readable status lines as setup advances. Initialize must be
	// called before Transcribe; calling it again after success is a no-op.
	Initialize(ctx context.Context, progress func(message string)) error

	// Transcribe converts one utterance of mono float32 samples at
	// [SampleRate] into text. The result is trimmed of surrounding
	// whitespace. Empty input yields an empty string, not an error.
	Transcribe(ctx context.Context, samples []float32) (string, error)

	// Ready reports whether the provider is initialised and able to serve
	// Transcribe calls.
	Ready() bool
}
