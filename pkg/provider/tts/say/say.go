// Package say provides a TTS provider that speaks through the host's
// speech command (macOS say, espeak-ng, espeak, or flite). It produces
// Opaque playables: no samples are available, playback happens on the
// local host when Play is invoked.
//
// The provider exists as the zero-dependency fallback at the end of a TTS
// fallback chain; it needs no API key, no server, and no model download.
package say

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// engine describes one known speech command and how it takes its arguments.
type engine struct {
	command   string
	voiceFlag string   // "" = voice selection unsupported
	textFlags []string // flags that precede the text argument
}

// engines are probed in order; the macOS command is first because it is the
// only one shipped with an OS by default.
var engines = []engine{
	{command: "say", voiceFlag: "-v"},
	{command: "espeak-ng", voiceFlag: "-v"},
	{command: "espeak", voiceFlag: "-v"},
	{command: "flite", voiceFlag: "-voice", textFlags: []string{"-t"}},
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithVoice selects the voice by the engine's naming (e.g., "Samantha" for
// macOS say, "en-gb" for espeak). Ignored by engines without voice support.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithCommand overrides engine probing with an explicit command and leading
// arguments; the text is appended as the final argument.
func WithCommand(command string, args ...string) Option {
	return func(p *Provider) {
		p.override = command
		p.overrideArgs = args
	}
}

// Provider implements tts.Provider by shelling out to a speech command.
// It is safe for concurrent use; each playable owns its own subprocess.
type Provider struct {
	voice        string
	override     string
	overrideArgs []string

	binPath  string // resolved by Initialize
	baseArgs []string
	ready    atomic.Bool
}

// New creates a speech-command provider. Engine selection happens in
// Initialize so construction never fails.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize locates the speech command on PATH. With an override set, only
// that command is considered; otherwise the known engines are probed in
// order.
func (p *Provider) Initialize(_ context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}

	if p.override != "" {
		path, err := exec.LookPath(p.override)
		if err != nil {
			return fmt.Errorf("say: command %q not found: %w", p.override, err)
		}
		p.binPath = path
		p.baseArgs = p.overrideArgs
	} else {
		eng, path, err := probeEngines()
		if err != nil {
			return err
		}
		p.binPath = path
		p.baseArgs = engineArgs(eng, p.voice)
	}

	if progress != nil {
		progress("say: using speech command " + p.binPath)
	}
	p.ready.Store(true)
	return nil
}

// Ready implements tts.Provider.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Synthesize returns an opaque playable whose Play runs the speech command
// with the sentence as its final argument, blocking until speech finishes.
func (p *Provider) Synthesize(_ context.Context, text string) (tts.Playable, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("say: text must not be empty")
	}
	if !p.ready.Load() {
		return nil, errors.New("say: provider not initialised")
	}

	binPath := p.binPath
	args := append(append([]string(nil), p.baseArgs...), text)
	return &tts.Opaque{
		Play: func(ctx context.Context) error {
			cmd := exec.CommandContext(ctx, binPath, args...)
			if err := cmd.Run(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return fmt.Errorf("say: speech command failed: %w", err)
			}
			return nil
		},
	}, nil
}

// probeEngines returns the first known engine found on PATH.
func probeEngines() (engine, string, error) {
	for _, eng := range engines {
		if path, err := exec.LookPath(eng.command); err == nil {
			return eng, path, nil
		}
	}
	names := make([]string, len(engines))
	for i, eng := range engines {
		names[i] = eng.command
	}
	return engine{}, "", fmt.Errorf("say: no speech command found on PATH (tried %s)", strings.Join(names, ", "))
}

// engineArgs builds the leading arguments for an engine and optional voice.
func engineArgs(eng engine, voice string) []string {
	var args []string
	if voice != "" && eng.voiceFlag != "" {
		args = append(args, eng.voiceFlag, voice)
	}
	return append(args, eng.textFlags...)
}
