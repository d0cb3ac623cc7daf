// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed a controlled transcript to the orchestrator and to
// verify which samples reached the back-end, without a live STT engine.
//
// Example:
//
//	p := &mock.Provider{Transcript: "roll two d six"}
//	text, err := p.Transcribe(ctx, samples)
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Samples is a copy of the samples passed to Transcribe.
	Samples []float32
}

// Provider is a mock implementation of stt.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Transcript is returned by Transcribe.
	Transcript string

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeFunc, if non-nil, replaces the static Transcript /
	// TranscribeErr pair for tests that need per-call behaviour.
	TranscribeFunc func(ctx context.Context, samples []float32) (string, error)

	// InitErr, if non-nil, is returned as the error from Initialize.
	InitErr error

	// --- Call records (read after test) ---

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall

	// InitCalls is the number of times Initialize was called.
	InitCalls int

	initialized bool
}

// Initialize records the call and returns InitErr. On success the provider
// reports Ready.
func (p *Provider) Initialize(_ context.Context, progress func(string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitCalls++
	if p.InitErr != nil {
		return p.InitErr
	}
	if progress != nil {
		progress("mock stt ready")
	}
	p.initialized = true
	return nil
}

// Transcribe records the call and returns Transcript, TranscribeErr, or the
// result of TranscribeFunc when set.
func (p *Provider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	p.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Samples: cp})
	fn := p.TranscribeFunc
	text, err := p.Transcript, p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, samples)
	}
	return text, err
}

// Ready reports whether Initialize completed successfully.
func (p *Provider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Reset clears all recorded calls and the initialised flag. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.InitCalls = 0
	p.initialized = false
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
