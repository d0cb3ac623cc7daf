// Package llamacpp provides an LLM provider that drives a local llama.cpp
// binary directly, one subprocess per generation.
//
// Tool calling works without native support in the binary: when tools are
// offered the process runs under a GBNF grammar that restricts output to the
// SAY/TOOL dual mode, and the output prefix decides whether bytes stream as
// spoken text or buffer as a JSON tool-call array. The binary and model file
// are resolved through the shared model cache, so a bare name like
// "llama-cli" or "mistral-7b-q4.gguf" finds the cached artifact.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/provider/modelcache"
	"github.com/voxpipe/voxpipe/pkg/types"
)

const (
	defaultContextSize = 4096
	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithContextSize sets the model context window in tokens (-c).
func WithContextSize(n int) Option {
	return func(p *Provider) { p.contextSize = n }
}

// WithMaxTokens caps the number of generated tokens per call (-n).
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature (--temp).
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithThreads sets the number of inference threads (-t). Zero lets the
// binary decide.
func WithThreads(n int) Option {
	return func(p *Provider) { p.threads = n }
}

// WithExtraArgs appends raw arguments to every invocation, for flags this
// package does not model (e.g. "--n-gpu-layers", "99").
func WithExtraArgs(args ...string) Option {
	return func(p *Provider) { p.extraArgs = args }
}

// Provider implements llm.Provider by spawning a llama.cpp binary per
// generation. It is safe for concurrent use; each Generate owns its own
// subprocess.
type Provider struct {
	binaryRef string
	modelRef  string

	contextSize int
	maxTokens   int
	temperature float64
	threads     int
	extraArgs   []string

	// resolved by Initialize
	binPath   string
	modelPath string
	ready     atomic.Bool
}

// New creates a llama.cpp subprocess provider. binaryRef names the llama.cpp
// binary and modelRef the GGUF model file; bare names are resolved in the
// model cache, paths are taken as given.
func New(binaryRef, modelRef string, opts ...Option) (*Provider, error) {
	if binaryRef == "" {
		return nil, errors.New("llamacpp: binary reference must not be empty")
	}
	if modelRef == "" {
		return nil, errors.New("llamacpp: model reference must not be empty")
	}
	p := &Provider{
		binaryRef:   binaryRef,
		modelRef:    modelRef,
		contextSize: defaultContextSize,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Initialize resolves the binary and model through the cache and verifies
// both exist, so a missing download fails at startup rather than mid-turn.
func (p *Provider) Initialize(_ context.Context, progress func(message string)) error {
	if p.ready.Load() {
		return nil
	}

	binPath, err := modelcache.ResolveBin(p.binaryRef)
	if err != nil {
		return fmt.Errorf("llamacpp: resolve binary: %w", err)
	}
	if _, err := os.Stat(binPath); err != nil {
		return fmt.Errorf("llamacpp: binary %s: %w", binPath, err)
	}
	if progress != nil {
		progress("llamacpp: using binary " + binPath)
	}

	modelPath, err := modelcache.ResolveModel(p.modelRef)
	if err != nil {
		return fmt.Errorf("llamacpp: resolve model: %w", err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("llamacpp: model %s: %w", modelPath, err)
	}
	if progress != nil {
		progress("llamacpp: using model " + filepath.Base(modelPath))
	}

	p.binPath = binPath
	p.modelPath = modelPath
	p.ready.Store(true)
	return nil
}

// Ready implements llm.Provider.
func (p *Provider) Ready() bool {
	return p.ready.Load()
}

// Capabilities implements llm.Provider. The grammar handles tools and the
// SAY prefix resolves before any text is emitted, so tokens stream even when
// tools are offered.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{NativeTools: true, StreamingTools: true}
}

// Generate implements llm.Provider. Each call runs one subprocess to
// completion; with tools offered the grammar-constrained dual mode decides
// between streaming text and a buffered tool-call array.
func (p *Provider) Generate(ctx context.Context, messages []types.Message, opts llm.Options) (*types.GenerateResult, error) {
	if !p.ready.Load() {
		return nil, errors.New("llamacpp: provider not initialised")
	}

	prompt := buildPrompt(messages, opts.Tools)

	args := []string{
		"-m", p.modelPath,
		"-c", strconv.Itoa(p.contextSize),
		"-n", strconv.Itoa(p.maxTokens),
		"--temp", strconv.FormatFloat(p.temperature, 'f', -1, 64),
		"--no-display-prompt",
		"--simple-io",
		"-no-cnv",
	}
	if p.threads > 0 {
		args = append(args, "-t", strconv.Itoa(p.threads))
	}

	grammarMode := len(opts.Tools) > 0
	if grammarMode {
		grammarPath, cleanup, err := writeGrammarFile()
		if err != nil {
			return nil, err
		}
		defer cleanup()
		args = append(args, "--grammar-file", grammarPath)
	}
	args = append(args, p.extraArgs...)
	args = append(args, "-p", prompt)

	output, err := p.runProcess(ctx, args, grammarMode, opts.OnToken)
	if err != nil {
		return nil, err
	}

	result := p.assembleResult(output, grammarMode)
	if len(result.ToolCalls) > 0 && opts.OnToolCall != nil {
		for _, tc := range result.ToolCalls {
			opts.OnToolCall(tc)
		}
	}
	return result, nil
}

// processOutput is what one subprocess run produced, already routed through
// the dual scanner.
type processOutput struct {
	mode responseMode
	say  string
	tool string
}

// runProcess spawns the binary and drains stdout through the dual scanner
// (grammar mode) or straight into say text. Stdout is fully consumed before
// Wait; stderr is collected for error reporting.
func (p *Provider) runProcess(ctx context.Context, args []string, grammarMode bool, onToken func(string)) (*processOutput, error) {
	cmd := exec.CommandContext(ctx, p.binPath, args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("llamacpp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("llamacpp: start %s: %w", filepath.Base(p.binPath), err)
	}

	scanner := newDualScanner(onToken)
	if !grammarMode {
		// No grammar, no prefix: everything is say text.
		scanner.mode = modeSay
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			scanner.feed(string(buf[:n]))
		}
		if readErr != nil {
			break
		}
	}
	mode := scanner.finish()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("llamacpp: %s exited: %w (stderr: %s)",
			filepath.Base(p.binPath), waitErr, stderrTail(stderr.String()))
	}

	return &processOutput{mode: mode, say: scanner.Say(), tool: scanner.Tool()}, nil
}

// assembleResult turns routed process output into a GenerateResult. A
// malformed TOOL payload ends the turn as plain content with the raw buffer,
// per the dual-mode contract.
func (p *Provider) assembleResult(out *processOutput, grammarMode bool) *types.GenerateResult {
	if grammarMode && out.mode == modeTool {
		calls, err := parseToolArray(out.tool)
		if err == nil && len(calls) > 0 {
			return &types.GenerateResult{
				ToolCalls:    calls,
				FinishReason: types.FinishToolCalls,
			}
		}
		return &types.GenerateResult{
			Content:      strings.TrimSpace(out.tool),
			FinishReason: types.FinishStop,
		}
	}
	return &types.GenerateResult{
		Content:      strings.TrimSpace(out.say),
		FinishReason: types.FinishStop,
	}
}

// writeGrammarFile materialises the dual-mode grammar in a scoped temp
// directory. The returned cleanup removes the directory on every exit path.
func writeGrammarFile() (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "voxpipe-grammar-*")
	if err != nil {
		return "", nil, fmt.Errorf("llamacpp: create grammar dir: %w", err)
	}
	path = filepath.Join(dir, "dualmode.gbnf")
	if err := os.WriteFile(path, []byte(dualModeGrammar), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("llamacpp: write grammar file: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

// stderrTail returns the last few lines of stderr, which is where llama.cpp
// reports load failures.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "<empty>"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
