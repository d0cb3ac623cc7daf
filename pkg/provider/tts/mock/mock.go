// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to hand controlled playables to the orchestrator and to
// verify which normalised sentences reached synthesis. SynthesizeFunc gives
// per-call control for tests that simulate latency or per-sentence failure.
//
// Example:
//
//	p := &mock.Provider{
//	    Playable: &tts.Buffered{Frame: audio.Frame{Samples: samples, SampleRate: 22050}},
//	}
//	out, err := p.Synthesize(ctx, "It is five.")
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the sentence passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Playable is returned by Synthesize.
	Playable tts.Playable

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if non-nil, replaces the static Playable /
	// SynthesizeErr pair for tests that need per-call latency or failure.
	SynthesizeFunc func(ctx context.Context, text string) (tts.Playable, error)

	// InitErr, if non-nil, is returned as the error from Initialize.
	InitErr error

	// --- Call records (read after test) ---

	// SynthesizeCalls records every invocation of Synthesize in order of
	// arrival.
	SynthesizeCalls []SynthesizeCall

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
		progress("mock tts ready")
	}
	p.initialized = true
	return nil
}

// Synthesize records the call and returns Playable, SynthesizeErr, or the
// result of SynthesizeFunc when set.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Playable, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text})
	fn := p.SynthesizeFunc
	playable, err := p.Playable, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return playable, err
}

// Texts returns the sentences synthesised so far, in order of arrival.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
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
	p.SynthesizeCalls = nil
	p.InitCalls = 0
	p.initialized = false
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
