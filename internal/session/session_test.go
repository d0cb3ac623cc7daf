package session_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/protocol"
	"github.com/voxpipe/voxpipe/internal/session"
	"github.com/voxpipe/voxpipe/internal/tools"
	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	llmmock "github.com/voxpipe/voxpipe/pkg/provider/llm/mock"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
	sttmock "github.com/voxpipe/voxpipe/pkg/provider/stt/mock"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	ttsmock "github.com/voxpipe/voxpipe/pkg/provider/tts/mock"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// ── Test helpers ─────────────────────────────────────────────────────────────

// frameCollector is a Sender that records every outgoing frame and feeds a
// channel so tests can wait for specific frame types.
type frameCollector struct {
	mu     sync.Mutex
	frames []protocol.ServerFrame
	ch     chan protocol.ServerFrame
}

func newCollector() *frameCollector {
	return &frameCollector{ch: make(chan protocol.ServerFrame, 64)}
}

func (c *frameCollector) send(frame protocol.ServerFrame) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	c.ch <- frame
	return nil
}

// await consumes frames until one of the given type arrives.
func (c *frameCollector) await(t *testing.T, frameType string) protocol.ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.ch:
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame, saw %v", frameType, c.types())
		}
	}
}

func (c *frameCollector) list() []protocol.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.frames)
}

func (c *frameCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, frame := range c.frames {
		out[i] = frame.Type
	}
	return out
}

func (c *frameCollector) count(frameType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, frame := range c.frames {
		if frame.Type == frameType {
			n++
		}
	}
	return n
}

func newPipeline(t *testing.T, provider llm.Provider, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	pipe, err := pipeline.New(provider, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return pipe
}

func startSession(t *testing.T, pipe *pipeline.Pipeline) (*session.Session, *frameCollector) {
	t.Helper()
	collector := newCollector()
	s := session.New(context.Background(), pipe, collector.send)
	t.Cleanup(s.Close)
	return s, collector
}

// awaitState polls until the session reaches want; the turn goroutine
// restores the state shortly after the terminal frame goes out.
func awaitState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %v, want %v", s.State(), want)
}

func textFrame(text string) protocol.ClientFrame {
	return protocol.ClientFrame{Type: protocol.TypeText, Text: text}
}

func audioChunk(samples []float32, rate int) protocol.ClientFrame {
	return protocol.ClientFrame{
		Type:       protocol.TypeAudio,
		Data:       audio.EncodeBase64(samples),
		SampleRate: rate,
	}
}

func keepText(text string) string { return text }

// ── Text turns ───────────────────────────────────────────────────────────────

func TestTextTurnStreamsTranscriptChunksAndAudio(t *testing.T) {
	t.Parallel()

	llmp := &llmmock.Provider{Turns: []llmmock.Turn{
		{Tokens: []string{"Hi", " there."}},
	}}
	ttsp := &ttsmock.Provider{
		Playable: &tts.Buffered{Frame: audio.Frame{Samples: []float32{0.25, -0.25}, SampleRate: 22050}},
	}
	pipe := newPipeline(t, llmp, pipeline.WithTTS(ttsp), pipeline.WithNormalizer(keepText))
	s, collector := startSession(t, pipe)

	s.Handle(textFrame("Hello"))
	collector.await(t, protocol.TypeComplete)

	wantTypes := []string{
		protocol.TypeTranscript,
		protocol.TypeResponseChunk,
		protocol.TypeResponseChunk,
		protocol.TypeAudio,
		protocol.TypeComplete,
	}
	if got := collector.types(); !slices.Equal(got, wantTypes) {
		t.Fatalf("frame sequence = %v, want %v", got, wantTypes)
	}

	frames := collector.list()
	if frames[0].Text != "Hello" {
		t.Errorf("transcript text = %q, want %q", frames[0].Text, "Hello")
	}
	if frames[1].Text != "Hi" || frames[2].Text != " there." {
		t.Errorf("chunks = %q, %q, want %q, %q", frames[1].Text, frames[2].Text, "Hi", " there.")
	}
	if frames[3].SampleRate != 22050 {
		t.Errorf("audio sample rate = %d, want 22050", frames[3].SampleRate)
	}
	samples, err := audio.DecodeBase64(frames[3].Data)
	if err != nil {
		t.Fatalf("decode audio frame: %v", err)
	}
	if !slices.Equal(samples, []float32{0.25, -0.25}) {
		t.Errorf("audio samples = %v, want [0.25 -0.25]", samples)
	}

	if got := ttsp.Texts(); !slices.Equal(got, []string{"Hi there."}) {
		t.Errorf("synthesised sentences = %v, want [Hi there.]", got)
	}

	awaitState(t, s, session.StateIdle)
	if got := s.Conversation().Len(); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestWhitespaceTextRejected(t *testing.T) {
	t.Parallel()

	llmp := &llmmock.Provider{}
	pipe := newPipeline(t, llmp)
	s, collector := startSession(t, pipe)

	s.Handle(textFrame("   \n\t"))

	frame := collector.await(t, protocol.TypeError)
	if frame.Message != "empty transcript" {
		t.Errorf("error message = %q, want %q", frame.Message, "empty transcript")
	}
	if got := s.State(); got != session.StateIdle {
		t.Errorf("state = %v, want %v", got, session.StateIdle)
	}
	if got := collector.count(protocol.TypeTranscript); got != 0 {
		t.Errorf("transcript frames = %d, want 0", got)
	}
	if got := len(llmp.GenerateCalls); got != 0 {
		t.Errorf("generate calls = %d, want 0", got)
	}
	if got := s.Conversation().Len(); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

// ── Audio turns ──────────────────────────────────────────────────────────────

func TestAudioTurnTranscribesBufferedChunks(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{Transcript: "what time is it"}
	llmp := &llmmock.Provider{Turns: []llmmock.Turn{
		{Tokens: []string{"It's noon."}},
	}}
	pipe := newPipeline(t, llmp, pipeline.WithSTT(sttp))
	s, collector := startSession(t, pipe)

	s.Handle(audioChunk([]float32{0.1, 0.2}, stt.SampleRate))
	if got := s.State(); got != session.StateReceiving {
		t.Fatalf("state after audio chunk = %v, want %v", got, session.StateReceiving)
	}
	s.Handle(audioChunk([]float32{0.3}, stt.SampleRate))
	s.Handle(protocol.ClientFrame{Type: protocol.TypeEndAudio})

	collector.await(t, protocol.TypeComplete)

	frames := collector.list()
	if frames[0].Type != protocol.TypeTranscript || frames[0].Text != "what time is it" {
		t.Errorf("first frame = %s %q, want transcript %q", frames[0].Type, frames[0].Text, "what time is it")
	}
	if len(sttp.TranscribeCalls) != 1 {
		t.Fatalf("transcribe calls = %d, want 1", len(sttp.TranscribeCalls))
	}
	if got := sttp.TranscribeCalls[0].Samples; !slices.Equal(got, []float32{0.1, 0.2, 0.3}) {
		t.Errorf("transcribed samples = %v, want the concatenated chunks", got)
	}

	// The utterance buffer was consumed by the turn.
	awaitState(t, s, session.StateIdle)
	s.Handle(protocol.ClientFrame{Type: protocol.TypeEndAudio})
	frame := collector.await(t, protocol.TypeError)
	if frame.Message != "no audio received" {
		t.Errorf("error message = %q, want %q", frame.Message, "no audio received")
	}
}

func TestEndAudioWithoutBufferedAudio(t *testing.T) {
	t.Parallel()

	llmp := &llmmock.Provider{}
	pipe := newPipeline(t, llmp, pipeline.WithSTT(&sttmock.Provider{}))
	s, collector := startSession(t, pipe)

	s.Handle(protocol.ClientFrame{Type: protocol.TypeEndAudio})

	frame := collector.await(t, protocol.TypeError)
	if frame.Message != "no audio received" {
		t.Errorf("error message = %q, want %q", frame.Message, "no audio received")
	}
	if got := s.State(); got != session.StateIdle {
		t.Errorf("state = %v, want %v", got, session.StateIdle)
	}
	if got := len(llmp.GenerateCalls); got != 0 {
		t.Errorf("generate calls = %d, want 0", got)
	}
}

func TestMalformedAudioFrameRejected(t *testing.T) {
	t.Parallel()

	pipe := newPipeline(t, &llmmock.Provider{}, pipeline.WithSTT(&sttmock.Provider{}))
	s, collector := startSession(t, pipe)

	s.Handle(protocol.ClientFrame{Type: protocol.TypeAudio, Data: "not-base64!!"})

	frame := collector.await(t, protocol.TypeError)
	if !strings.Contains(frame.Message, "malformed audio frame") {
		t.Errorf("error message = %q, want a malformed audio frame message", frame.Message)
	}
	if got := s.State(); got != session.StateIdle {
		t.Errorf("state = %v, want %v", got, session.StateIdle)
	}
}

// ── Busy rejection ───────────────────────────────────────────────────────────

func TestFramesRejectedDuringProcessing(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := tools.NewRegistry()
	err := reg.Register(tools.Tool{
		Definition: types.ToolDefinition{Name: "lookup", Description: "Answers questions."},
		Handler: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-release:
				return `{"answer":42}`, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatalf("register lookup: %v", err)
	}

	llmp := &llmmock.Provider{
		Caps: llm.Capabilities{NativeTools: true},
		Turns: []llmmock.Turn{
			{ToolCalls: []types.ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}}},
			{Tokens: []string{"Done."}},
		},
	}
	pipe := newPipeline(t, llmp, pipeline.WithTools(reg), pipeline.WithFillerPhrases())
	s, collector := startSession(t, pipe)

	s.Handle(textFrame("question"))
	collector.await(t, protocol.TypeToolCall)
	if got := s.State(); got != session.StateProcessing {
		t.Fatalf("state = %v, want %v", got, session.StateProcessing)
	}

	s.Handle(textFrame("barge in"))
	frame := collector.await(t, protocol.TypeError)
	if frame.Message != "a turn is already in progress" {
		t.Errorf("error message = %q, want %q", frame.Message, "a turn is already in progress")
	}

	close(release)
	collector.await(t, protocol.TypeComplete)

	if got := len(llmp.GenerateCalls); got != 2 {
		t.Errorf("generate calls = %d, want 2; the rejected frame must not start a turn", got)
	}
	if got := collector.count(protocol.TypeComplete); got != 1 {
		t.Errorf("complete frames = %d, want 1", got)
	}
}

// ── History ──────────────────────────────────────────────────────────────────

func TestClearHistory(t *testing.T) {
	t.Parallel()

	t.Run("idle session resets to the system prompt", func(t *testing.T) {
		t.Parallel()
		llmp := &llmmock.Provider{Turns: []llmmock.Turn{{Tokens: []string{"Hello!"}}}}
		pipe := newPipeline(t, llmp)
		s, collector := startSession(t, pipe)

		s.Handle(textFrame("hi"))
		collector.await(t, protocol.TypeComplete)
		awaitState(t, s, session.StateIdle)
		if got := s.Conversation().Len(); got != 3 {
			t.Fatalf("history length after turn = %d, want 3", got)
		}

		s.Handle(protocol.ClientFrame{Type: protocol.TypeClearHistory})
		if got := s.Conversation().Len(); got != 1 {
			t.Errorf("history length after clear = %d, want 1", got)
		}
		if got := collector.count(protocol.TypeError); got != 0 {
			t.Errorf("error frames = %d, want 0", got)
		}
	})

	t.Run("rejected while audio is buffered", func(t *testing.T) {
		t.Parallel()
		pipe := newPipeline(t, &llmmock.Provider{}, pipeline.WithSTT(&sttmock.Provider{}))
		s, collector := startSession(t, pipe)

		s.Handle(audioChunk([]float32{0.5}, stt.SampleRate))
		s.Handle(protocol.ClientFrame{Type: protocol.TypeClearHistory})

		frame := collector.await(t, protocol.TypeError)
		if frame.Message != "cannot clear history while audio is buffered" {
			t.Errorf("error message = %q", frame.Message)
		}
		if got := s.State(); got != session.StateReceiving {
			t.Errorf("state = %v, want %v", got, session.StateReceiving)
		}
	})
}

// ── Capabilities ─────────────────────────────────────────────────────────────

func TestClientTTSDisablesServerSynthesis(t *testing.T) {
	t.Parallel()

	llmp := &llmmock.Provider{Turns: []llmmock.Turn{{Tokens: []string{"All done."}}}}
	ttsp := &ttsmock.Provider{
		Playable: &tts.Buffered{Frame: audio.Frame{Samples: []float32{1}, SampleRate: 22050}},
	}
	pipe := newPipeline(t, llmp, pipeline.WithTTS(ttsp))
	s, collector := startSession(t, pipe)

	s.Handle(protocol.ClientFrame{Type: protocol.TypeCapabilities, HasTTS: true})
	s.Handle(textFrame("hi"))
	collector.await(t, protocol.TypeComplete)

	if got := collector.count(protocol.TypeAudio); got != 0 {
		t.Errorf("audio frames = %d, want 0 for a client with local playback", got)
	}
	if got := len(ttsp.SynthesizeCalls); got != 0 {
		t.Errorf("synthesize calls = %d, want 0", got)
	}
}

func TestClientSTTRejectsServerSideAudio(t *testing.T) {
	t.Parallel()

	llmp := &llmmock.Provider{Turns: []llmmock.Turn{{Tokens: []string{"Hello!"}}}}
	pipe := newPipeline(t, llmp, pipeline.WithSTT(&sttmock.Provider{Transcript: "unused"}))
	s, collector := startSession(t, pipe)

	s.Handle(protocol.ClientFrame{Type: protocol.TypeCapabilities, HasSTT: true})

	s.Handle(audioChunk([]float32{0.5}, stt.SampleRate))
	frame := collector.await(t, protocol.TypeError)
	if !strings.Contains(frame.Message, "send text frames instead of audio") {
		t.Errorf("audio rejection message = %q", frame.Message)
	}

	s.Handle(protocol.ClientFrame{Type: protocol.TypeEndAudio})
	frame = collector.await(t, protocol.TypeError)
	if !strings.Contains(frame.Message, "send text frames instead of audio") {
		t.Errorf("end_audio rejection message = %q", frame.Message)
	}

	// Text turns keep working.
	s.Handle(textFrame("hi"))
	collector.await(t, protocol.TypeComplete)
}

func TestClientSTTDiscardsBufferedAudio(t *testing.T) {
	t.Parallel()

	pipe := newPipeline(t, &llmmock.Provider{}, pipeline.WithSTT(&sttmock.Provider{}))
	s, collector := startSession(t, pipe)

	s.Handle(audioChunk([]float32{0.5}, stt.SampleRate))
	if got := s.State(); got != session.StateReceiving {
		t.Fatalf("state = %v, want %v", got, session.StateReceiving)
	}

	s.Handle(protocol.ClientFrame{Type: protocol.TypeCapabilities, HasSTT: true})
	if got := s.State(); got != session.StateIdle {
		t.Errorf("state after capabilities = %v, want %v", got, session.StateIdle)
	}

	// Prove the buffer is gone: with audio re-enabled, end_audio finds nothing.
	s.Handle(protocol.ClientFrame{Type: protocol.TypeCapabilities})
	s.Handle(protocol.ClientFrame{Type: protocol.TypeEndAudio})
	frame := collector.await(t, protocol.TypeError)
	if frame.Message != "no audio received" {
		t.Errorf("error message = %q, want %q", frame.Message, "no audio received")
	}
}

// ── Failure mapping ──────────────────────────────────────────────────────────

func TestTurnFailureMessages(t *testing.T) {
	t.Parallel()

	t.Run("generation failure carries the pipeline error", func(t *testing.T) {
		t.Parallel()
		llmp := &llmmock.Provider{Turns: []llmmock.Turn{{Err: errors.New("backend down")}}}
		pipe := newPipeline(t, llmp)
		s, collector := startSession(t, pipe)

		s.Handle(textFrame("hi"))

		frame := collector.await(t, protocol.TypeError)
		if frame.Message != "pipeline: generate: backend down" {
			t.Errorf("error message = %q", frame.Message)
		}
		if got := collector.count(protocol.TypeComplete); got != 0 {
			t.Errorf("complete frames = %d, want 0", got)
		}
		awaitState(t, s, session.StateIdle)
	})

	t.Run("audio turn without a transcriber", func(t *testing.T) {
		t.Parallel()
		pipe := newPipeline(t, &llmmock.Provider{})
		s, collector := startSession(t, pipe)

		s.Handle(audioChunk([]float32{0.5}, stt.SampleRate))
		s.Handle(protocol.ClientFrame{Type: protocol.TypeEndAudio})

		frame := collector.await(t, protocol.TypeError)
		want := "no speech-to-text provider is configured; send text frames instead"
		if frame.Message != want {
			t.Errorf("error message = %q, want %q", frame.Message, want)
		}
		awaitState(t, s, session.StateIdle)
	})
}

func TestOpaquePlayableFailsTurn(t *testing.T) {
	t.Parallel()

	llmp := &llmmock.Provider{Turns: []llmmock.Turn{{Tokens: []string{"Here you go."}}}}
	ttsp := &ttsmock.Provider{
		Playable: &tts.Opaque{Play: func(context.Context) error { return nil }},
	}
	pipe := newPipeline(t, llmp, pipeline.WithTTS(ttsp), pipeline.WithNormalizer(keepText))
	s, collector := startSession(t, pipe)

	s.Handle(textFrame("play"))

	frame := collector.await(t, protocol.TypeError)
	want := "synthesised audio cannot be streamed to this client; " +
		"configure a text-to-speech provider that returns buffered audio"
	if frame.Message != want {
		t.Errorf("error message = %q, want %q", frame.Message, want)
	}
	if got := collector.count(protocol.TypeAudio); got != 0 {
		t.Errorf("audio frames = %d, want 0", got)
	}
	if got := collector.count(protocol.TypeComplete); got != 0 {
		t.Errorf("complete frames = %d, want 0", got)
	}
	awaitState(t, s, session.StateIdle)
}

// ── Teardown ─────────────────────────────────────────────────────────────────

func TestCloseCancelsRunningTurn(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	err := reg.Register(tools.Tool{
		Definition: types.ToolDefinition{Name: "slow_lookup", Description: "Blocks until cancelled."},
		Handler: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("register slow_lookup: %v", err)
	}

	llmp := &llmmock.Provider{
		Caps: llm.Capabilities{NativeTools: true},
		Turns: []llmmock.Turn{
			{ToolCalls: []types.ToolCall{{ID: "call_1", Name: "slow_lookup", Arguments: `{}`}}},
		},
	}
	pipe := newPipeline(t, llmp, pipeline.WithTools(reg), pipeline.WithFillerPhrases())
	s, collector := startSession(t, pipe)

	s.Handle(textFrame("question"))
	collector.await(t, protocol.TypeToolCall)

	s.Close()

	frame := collector.await(t, protocol.TypeError)
	if frame.Message != "turn cancelled" {
		t.Errorf("error message = %q, want %q", frame.Message, "turn cancelled")
	}
	if got := s.Conversation().Len(); got != 2 {
		t.Errorf("history length = %d, want 2; the abandoned batch must not be committed", got)
	}

	// A destroyed session ignores further frames.
	before := len(collector.list())
	s.Handle(textFrame("again"))
	if got := len(collector.list()); got != before {
		t.Errorf("frames after close = %d, want %d", got, before)
	}

	// Close is idempotent.
	s.Close()
}

// ── State names ──────────────────────────────────────────────────────────────

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state session.State
		want  string
	}{
		{session.StateIdle, "idle"},
		{session.StateReceiving, "receiving"},
		{session.StateProcessing, "processing"},
		{session.State(9), "state(9)"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.state), got, tc.want)
		}
	}
}
