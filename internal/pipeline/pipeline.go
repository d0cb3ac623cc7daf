// Package pipeline implements the turn orchestrator at the heart of
// voxpipe: speech-to-text, a bounded tool loop over a streaming LLM, and
// sentence-by-sentence speech synthesis fanned out concurrently but emitted
// in order.
//
// A single Pipeline is process-scoped and shared by every session; its only
// mutable state is the filler-phrase round-robin counter. All per-turn
// state lives on the stack of a Process call, and per-session history lives
// in a [Conversation] owned by the caller.
//
//	pipe, err := pipeline.New(llmProvider,
//	    pipeline.WithSTT(sttProvider),
//	    pipeline.WithTTS(ttsProvider),
//	    pipeline.WithTools(registry),
//	)
//	conv := pipe.NewConversation()
//	msgs, err := pipe.ProcessText(ctx, conv, "What is two plus three?", callbacks)
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxpipe/voxpipe/internal/normalize"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/tools"
	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// MaxToolIterations bounds the number of LLM calls within one turn. A model
// that keeps requesting tools past this limit ends the turn without a final
// assistant message.
const MaxToolIterations = 10

var (
	// ErrNoSTT is returned when audio arrives but no speech-to-text
	// provider is configured. The client must resend the input as text.
	ErrNoSTT = errors.New("pipeline: no speech-to-text provider configured")

	// ErrEmptyTranscript is returned when the user input is empty or
	// whitespace after transcription. The turn ends; the session stays
	// ready.
	ErrEmptyTranscript = errors.New("pipeline: empty transcript")
)

// defaultSystemPrompt keeps answers short; they are spoken aloud.
const defaultSystemPrompt = "You are a helpful voice assistant. " +
	"Answer briefly and conversationally; your replies are read out loud to the user."

// defaultFillerPhrases are spoken while a tool runs. Trailing spaces keep
// the sentence splitter cutting them as complete sentences.
var defaultFillerPhrases = []string{
	"Let me check that for you. ",
	"One moment please. ",
	"Just a second. ",
}

// Pipeline orchestrates turns across all sessions. Safe for concurrent use.
type Pipeline struct {
	log          *slog.Logger
	stt          stt.Provider
	llm          llm.Provider
	tts          tts.Provider
	registry     *tools.Registry
	metrics      *observe.Metrics
	normalize    func(string) string
	correct      func(string) string
	systemPrompt string
	maxTTSJobs   int64

	// fillers holds the active phrase list behind a pointer so
	// [Pipeline.SetFillerPhrases] can swap it while turns run. fillerSeq
	// round-robins across it, shared by every session on this pipeline.
	fillers   atomic.Pointer[[]string]
	fillerSeq atomic.Uint64

	// callSeq is the monotonic part of minted tool-call ids.
	callSeq atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithSTT sets the speech-to-text provider. Without one, audio turns fail
// with [ErrNoSTT].
func WithSTT(provider stt.Provider) Option {
	return func(p *Pipeline) { p.stt = provider }
}

// WithTTS sets the text-to-speech provider. Without one, turns produce no
// audio.
func WithTTS(provider tts.Provider) Option {
	return func(p *Pipeline) { p.tts = provider }
}

// WithTools sets the tool registry shared with the LLM. Defaults to an
// empty registry.
func WithTools(registry *tools.Registry) Option {
	return func(p *Pipeline) { p.registry = registry }
}

// WithSystemPrompt sets the system prompt seeded into new conversations.
func WithSystemPrompt(prompt string) Option {
	return func(p *Pipeline) { p.systemPrompt = prompt }
}

// WithFillerPhrases replaces the phrases spoken while a tool runs. Passing
// none disables fillers.
func WithFillerPhrases(phrases ...string) Option {
	return func(p *Pipeline) { p.fillers.Store(&phrases) }
}

// WithFillerStart sets the starting round-robin index. Tests use it for
// deterministic phrase selection.
func WithFillerStart(n uint64) Option {
	return func(p *Pipeline) { p.fillerSeq.Store(n) }
}

// WithNormalizer replaces the speech normaliser applied to every sentence
// before synthesis. Defaults to [normalize.Normalize].
func WithNormalizer(fn func(string) string) Option {
	return func(p *Pipeline) { p.normalize = fn }
}

// WithTranscriptCorrector sets a corrector applied to speech-to-text output
// before the transcript is surfaced or generated from. Text turns are not
// corrected; typed input is taken as written. Nil disables correction.
func WithTranscriptCorrector(fn func(string) string) Option {
	return func(p *Pipeline) { p.correct = fn }
}

// WithMetrics sets the metrics instruments. Without them, nothing is
// recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMaxConcurrentTTS bounds how many sentences synthesise in parallel
// within one turn. Defaults to 4.
func WithMaxConcurrentTTS(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTTSJobs = int64(n)
		}
	}
}

// New creates a Pipeline around the required LLM provider.
func New(provider llm.Provider, opts ...Option) (*Pipeline, error) {
	if provider == nil {
		return nil, errors.New("pipeline: llm provider is required")
	}
	p := &Pipeline{
		log:          slog.Default(),
		llm:          provider,
		normalize:    normalize.Normalize,
		systemPrompt: defaultSystemPrompt,
		maxTTSJobs:   4,
	}
	p.fillers.Store(&defaultFillerPhrases)
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = tools.NewRegistry()
	}
	return p, nil
}

// NewConversation creates a conversation seeded with this pipeline's system
// prompt.
func (p *Pipeline) NewConversation() *Conversation {
	return NewConversation(p.systemPrompt)
}

// Tools returns the registry shared with the LLM.
func (p *Pipeline) Tools() *tools.Registry {
	return p.registry
}

// SetFillerPhrases replaces the filler phrase list at runtime. Passing none
// disables fillers. Turns already past their filler point keep the phrase
// they drew.
func (p *Pipeline) SetFillerPhrases(phrases ...string) {
	p.fillers.Store(&phrases)
}

// ProcessAudio transcribes one utterance and runs the turn on the result.
// The frame is resampled to the STT rate when needed. Fails with [ErrNoSTT]
// when no STT provider is configured and with [ErrEmptyTranscript] when the
// transcription comes back empty. Returns the messages appended to conv
// this turn.
func (p *Pipeline) ProcessAudio(ctx context.Context, conv *Conversation, frame audio.Frame, cb Callbacks) ([]types.Message, error) {
	n := newNotifier(cb)
	if p.stt == nil {
		n.fail(ErrNoSTT)
		return nil, ErrNoSTT
	}

	samples := frame.Samples
	if frame.SampleRate > 0 && frame.SampleRate != stt.SampleRate {
		samples = audio.ResampleMono(samples, frame.SampleRate, stt.SampleRate)
	}

	sctx, span := observe.StartSpan(ctx, "pipeline.stt")
	start := time.Now()
	transcript, err := p.stt.Transcribe(sctx, samples)
	if p.metrics != nil {
		p.metrics.STTDuration.Record(sctx, time.Since(start).Seconds())
	}
	span.End()
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordProviderError(ctx, "stt", "stt")
		}
		err = fmt.Errorf("pipeline: transcribe: %w", err)
		n.fail(err)
		return nil, err
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		n.fail(ErrEmptyTranscript)
		return nil, ErrEmptyTranscript
	}
	if p.correct != nil {
		if fixed := strings.TrimSpace(p.correct(transcript)); fixed != "" {
			transcript = fixed
		}
	}
	n.transcript(transcript)

	return p.run(ctx, conv, transcript, n)
}

// ProcessText runs a turn on text the client transcribed locally.
func (p *Pipeline) ProcessText(ctx context.Context, conv *Conversation, text string, cb Callbacks) ([]types.Message, error) {
	return p.ProcessTranscript(ctx, conv, text, cb)
}

// ProcessTranscript appends the user message and runs the tool loop,
// streaming the reply through cb. Returns the messages appended to conv
// this turn, for callers that need to persist them.
func (p *Pipeline) ProcessTranscript(ctx context.Context, conv *Conversation, text string, cb Callbacks) ([]types.Message, error) {
	return p.run(ctx, conv, text, newNotifier(cb))
}

// run is the shared turn body behind the Process entry points.
func (p *Pipeline) run(ctx context.Context, conv *Conversation, text string, n *notifier) ([]types.Message, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.turn")
	defer span.End()
	turnStart := time.Now()

	text = strings.TrimSpace(text)
	if text == "" {
		p.recordTurn(ctx, turnStart, ErrEmptyTranscript)
		n.fail(ErrEmptyTranscript)
		return nil, ErrEmptyTranscript
	}

	userMsg := types.Message{Role: types.RoleUser, Content: text}
	conv.Append(userMsg)
	appended := []types.Message{userMsg}

	// Synthesis runs only when a provider exists and the caller consumes
	// audio; a client doing TTS locally leaves OnAudio nil.
	var (
		fo    *fanout
		split *splitter
	)
	if p.tts != nil && n.cb.OnAudio != nil {
		fo = newFanout(ctx, p.tts, p.normalize, n.audio, p.maxTTSJobs, p.log, p.metrics)
		split = newSplitter(fo.enqueue)
	}
	emitText := func(t string) {
		n.chunk(t)
		if split != nil {
			split.feed(t)
		}
	}

	loopMsgs, err := p.toolLoop(ctx, conv, emitText, n)
	appended = append(appended, loopMsgs...)

	if split != nil && err == nil {
		split.flush()
	}
	if fo != nil {
		// The turn is not complete until every synthesis job resolved.
		fo.wait()
	}

	p.recordTurn(ctx, turnStart, err)
	if err != nil {
		n.fail(err)
		return appended, err
	}
	n.complete()
	return appended, nil
}

// toolLoop drives up to MaxToolIterations generations, executing requested
// tools between them. It returns the messages it appended to conv.
func (p *Pipeline) toolLoop(ctx context.Context, conv *Conversation, emitText func(string), n *notifier) ([]types.Message, error) {
	caps := p.llm.Capabilities()
	defs := p.registry.Definitions()
	haveTools := len(defs) > 0
	promptMode := haveTools && !caps.NativeTools

	var appended []types.Message
	for iteration := range MaxToolIterations {
		msgs := conv.Messages()
		if promptMode {
			// Expose tools through the system message; the history itself
			// keeps the plain prompt.
			msgs[0] = types.Message{
				Role:    types.RoleSystem,
				Content: msgs[0].Content + "\n\n" + toolInstructions(defs),
			}
		}

		opts := llm.Options{ConversationID: conv.ID()}
		if caps.NativeTools && haveTools {
			opts.Tools = defs
		}

		// First iteration runs buffered when tools are in play and the
		// back-end cannot stream through them, so a tool call can be
		// detected in full before anything is spoken.
		buffered := iteration == 0 && haveTools && !caps.StreamingTools
		streamedLive := false
		mark := func(token string) {
			streamedLive = true
			emitText(token)
		}
		if !buffered {
			if promptMode {
				opts.OnToken = newPrefixGate(mark).feed
			} else {
				opts.OnToken = mark
			}
		}

		gctx, span := observe.StartSpan(ctx, "pipeline.llm")
		start := time.Now()
		result, err := p.llm.Generate(gctx, msgs, opts)
		if p.metrics != nil {
			p.metrics.LLMDuration.Record(gctx, time.Since(start).Seconds())
		}
		span.End()
		if err != nil {
			if p.metrics != nil {
				p.metrics.RecordProviderError(ctx, "llm", "llm")
			}
			return appended, fmt.Errorf("pipeline: generate: %w", err)
		}

		content := result.Content
		var calls []types.ToolCall
		switch {
		case caps.NativeTools:
			calls = result.ToolCalls
			for i := range calls {
				if calls[i].ID == "" {
					calls[i].ID = p.newCallID()
				}
			}
		case haveTools && !streamedLive:
			if name, args, ok := parseInjectedCall(content); ok {
				calls = []types.ToolCall{{ID: p.newCallID(), Name: name, Arguments: args}}
				content = ""
			}
		}

		if len(calls) == 0 {
			// Final reply. Content that never reached the client as tokens
			// goes out now as one chunk.
			if content != "" && !streamedLive {
				emitText(content)
			}
			msg := types.Message{Role: types.RoleAssistant, Content: content}
			conv.Append(msg)
			return append(appended, msg), nil
		}

		// The user hears a filler phrase while the tools run.
		if phrase := p.nextFiller(); phrase != "" {
			emitText(phrase)
		}

		// Collect the assistant message and its tool replies, publishing
		// the batch only once every call resolved. Cancellation mid-batch
		// abandons it, leaving the history at the last completed exchange.
		assistantContent := content
		if promptMode {
			assistantContent = ""
		}
		batch := []types.Message{{
			Role:      types.RoleAssistant,
			Content:   assistantContent,
			ToolCalls: calls,
		}}
		for _, call := range calls {
			n.toolCall(call)
			resultJSON := p.executeTool(ctx, call)
			if ctx.Err() != nil {
				return appended, ctx.Err()
			}
			n.toolResult(call.ID, resultJSON)
			batch = append(batch, types.Message{
				Role:       types.RoleTool,
				ToolCallID: call.ID,
				Content:    resultJSON,
			})
		}
		conv.Append(batch...)
		appended = append(appended, batch...)
	}

	p.log.Warn("tool loop hit iteration limit",
		"conversation_id", conv.ID(),
		"iterations", MaxToolIterations,
	)
	return appended, nil
}

// executeTool runs one tool call and always returns a JSON document: the
// tool's result, or {"error": ...} when the tool is unknown or failed.
// Failures are absorbed so the model can see and react to them.
func (p *Pipeline) executeTool(ctx context.Context, call types.ToolCall) string {
	tctx, span := observe.StartSpan(ctx, "pipeline.tool")
	defer span.End()

	start := time.Now()
	out, err := p.registry.Execute(tctx, call.Name, call.Arguments)
	if p.metrics != nil {
		p.metrics.ToolExecutionDuration.Record(tctx, time.Since(start).Seconds())
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordToolCall(tctx, call.Name, "error")
		}
		message := err.Error()
		if errors.Is(err, tools.ErrUnknownTool) {
			message = "Unknown tool: " + call.Name
		}
		p.log.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
		doc, merr := json.Marshal(map[string]string{"error": message})
		if merr != nil {
			return `{"error":"tool failed"}`
		}
		return string(doc)
	}
	if p.metrics != nil {
		p.metrics.RecordToolCall(tctx, call.Name, "ok")
	}
	return out
}

// nextFiller returns the next filler phrase in the shared round-robin, or
// the empty string when fillers are disabled.
func (p *Pipeline) nextFiller() string {
	fillers := *p.fillers.Load()
	if len(fillers) == 0 {
		return ""
	}
	idx := p.fillerSeq.Add(1) - 1
	return fillers[idx%uint64(len(fillers))]
}

// recordTurn updates the turn metrics with the outcome of one Process call.
func (p *Pipeline) recordTurn(ctx context.Context, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	p.metrics.RecordTurn(ctx, status)
}
