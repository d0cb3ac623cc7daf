// Package session implements the per-connection state machine that sits
// between the wire protocol and the pipeline.
//
// A session owns one conversation and moves through three states. It is
// idle until the client buffers audio (receiving) or submits a turn
// (processing); while a turn runs, every incoming frame is rejected with an
// error frame and the turn itself is unaffected. Turns execute on their own
// goroutine so the connection's read loop stays responsive.
//
// The session translates pipeline callbacks into server frames and maps
// turn failures to human-readable error messages. Closing a session
// cancels any running turn; the turn's goroutine is abandoned and its
// remaining events are dropped by the pipeline's own delivery guarantees.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/protocol"
	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// State is the session's position in its lifecycle.
type State int

const (
	// StateIdle means no audio is buffered and no turn is running.
	StateIdle State = iota
	// StateReceiving means audio chunks have been buffered and the session
	// is waiting for the end-of-utterance marker.
	StateReceiving
	// StateProcessing means a turn is running. All incoming frames are
	// rejected until it finishes.
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// opaqueAudioMessage is sent when a turn produced audio that only exists as
// local playback and therefore cannot be forwarded to the client.
const opaqueAudioMessage = "synthesised audio cannot be streamed to this client; " +
	"configure a text-to-speech provider that returns buffered audio"

// Sender delivers one server frame to the client. It must be safe for
// concurrent use: turn events and protocol errors are pushed from
// different goroutines.
type Sender func(frame protocol.ServerFrame) error

// Session is the server-side state for one connected client. All methods
// are safe for concurrent use, though in practice Handle is driven by a
// single read loop.
type Session struct {
	id   string
	log  *slog.Logger
	pipe *pipeline.Pipeline
	send Sender
	conv *pipeline.Conversation

	// ctx spans the session's lifetime; every turn derives from it so
	// Close cancels whatever is in flight.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	caps       types.Capabilities
	samples    []float32
	sampleRate int
	turnCancel context.CancelFunc
	opaque     bool
	destroyed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// New creates a session bound to a connection's lifetime. ctx is the
// connection context; when it ends, running turns are cancelled. send is
// invoked for every outgoing frame.
func New(ctx context.Context, pipe *pipeline.Pipeline, send Sender, opts ...Option) *Session {
	s := &Session{
		id:   uuid.NewString(),
		log:  slog.Default(),
		pipe: pipe,
		send: send,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.conv = pipe.NewConversation()
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns the session's conversation.
func (s *Session) Conversation() *pipeline.Conversation {
	return s.conv
}

// Handle processes one decoded client frame. Invalid frames produce error
// frames on the wire and leave the session usable; they never tear the
// connection down.
func (s *Session) Handle(frame protocol.ClientFrame) {
	s.mu.Lock()
	replies, start := s.dispatchLocked(frame)
	s.mu.Unlock()
	for _, reply := range replies {
		s.push(reply)
	}
	if start != nil {
		start()
	}
}

// dispatchLocked routes a frame to its handler. It returns the frames to
// send once the lock is released and, when the frame began a turn, the
// function that launches it. The turn starts only after its preceding
// frames went out, so a synthetic transcript always precedes the first
// response chunk.
func (s *Session) dispatchLocked(frame protocol.ClientFrame) ([]protocol.ServerFrame, func()) {
	if s.destroyed {
		return nil, nil
	}
	if s.state == StateProcessing {
		return []protocol.ServerFrame{protocol.Error("a turn is already in progress")}, nil
	}
	switch frame.Type {
	case protocol.TypeCapabilities:
		return s.setCapabilitiesLocked(frame), nil
	case protocol.TypeAudio:
		return s.bufferAudioLocked(frame), nil
	case protocol.TypeEndAudio:
		return s.endAudioLocked()
	case protocol.TypeText:
		return s.textLocked(frame)
	case protocol.TypeClearHistory:
		return s.clearHistoryLocked(), nil
	default:
		return []protocol.ServerFrame{protocol.Error("unsupported frame type: " + frame.Type)}, nil
	}
}

// setCapabilitiesLocked records what the client handles itself. A client
// that transcribes locally has no use for the audio buffer, so any chunks
// it sent before declaring that are dropped.
func (s *Session) setCapabilitiesLocked(frame protocol.ClientFrame) []protocol.ServerFrame {
	s.caps = types.Capabilities{HasSTT: frame.HasSTT, HasTTS: frame.HasTTS}
	if frame.HasSTT && len(s.samples) > 0 {
		s.samples = nil
		s.sampleRate = 0
		s.state = StateIdle
		s.log.Debug("session: buffered audio discarded after capabilities update", "session_id", s.id)
	}
	s.log.Debug("session: capabilities set",
		"session_id", s.id, "has_stt", frame.HasSTT, "has_tts", frame.HasTTS)
	return nil
}

func (s *Session) bufferAudioLocked(frame protocol.ClientFrame) []protocol.ServerFrame {
	if s.caps.HasSTT {
		return []protocol.ServerFrame{protocol.Error("client declared hasSTT; send text frames instead of audio")}
	}
	samples, err := frame.AudioSamples()
	if err != nil {
		return []protocol.ServerFrame{protocol.Error("malformed audio frame: " + err.Error())}
	}
	s.samples = append(s.samples, samples...)
	if frame.SampleRate > 0 {
		s.sampleRate = frame.SampleRate
	}
	s.state = StateReceiving
	return nil
}

func (s *Session) endAudioLocked() ([]protocol.ServerFrame, func()) {
	if s.caps.HasSTT {
		return []protocol.ServerFrame{protocol.Error("client declared hasSTT; send text frames instead of audio")}, nil
	}
	if len(s.samples) == 0 {
		s.state = StateIdle
		return []protocol.ServerFrame{protocol.Error("no audio received")}, nil
	}
	utterance := audio.Frame{Samples: s.samples, SampleRate: s.sampleRate}
	s.samples = nil
	s.sampleRate = 0
	start := s.beginTurnLocked(func(ctx context.Context, cb pipeline.Callbacks) error {
		_, err := s.pipe.ProcessAudio(ctx, s.conv, utterance, cb)
		return err
	})
	return nil, start
}

// textLocked starts a text turn. Buffered audio is left untouched; the
// client may resume the utterance after the turn completes. The transcript
// frame is synthesised here because text turns skip transcription.
func (s *Session) textLocked(frame protocol.ClientFrame) ([]protocol.ServerFrame, func()) {
	text := strings.TrimSpace(frame.Text)
	if text == "" {
		return []protocol.ServerFrame{protocol.Error("empty transcript")}, nil
	}
	start := s.beginTurnLocked(func(ctx context.Context, cb pipeline.Callbacks) error {
		_, err := s.pipe.ProcessText(ctx, s.conv, text, cb)
		return err
	})
	return []protocol.ServerFrame{protocol.Transcript(text)}, start
}

func (s *Session) clearHistoryLocked() []protocol.ServerFrame {
	if s.state != StateIdle {
		return []protocol.ServerFrame{protocol.Error("cannot clear history while audio is buffered")}
	}
	s.conv.Reset()
	s.log.Info("session: history cleared", "session_id", s.id, "conversation_id", s.conv.ID())
	return nil
}

// beginTurnLocked flips the session into processing and prepares the turn.
// The returned function launches the turn goroutine; callers invoke it
// after releasing the lock and flushing preceding frames.
func (s *Session) beginTurnLocked(run func(context.Context, pipeline.Callbacks) error) func() {
	s.state = StateProcessing
	s.opaque = false
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	cb := s.turnCallbacks(cancel, s.caps.HasTTS)
	return func() {
		go s.runTurn(ctx, cancel, cb, run)
	}
}

func (s *Session) runTurn(ctx context.Context, cancel context.CancelFunc, cb pipeline.Callbacks, run func(context.Context, pipeline.Callbacks) error) {
	defer cancel()
	err := run(ctx, cb)

	s.mu.Lock()
	s.turnCancel = nil
	if !s.destroyed {
		if len(s.samples) > 0 {
			s.state = StateReceiving
		} else {
			s.state = StateIdle
		}
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("session: turn failed", "session_id", s.id, "error", err)
	}
}

// turnCallbacks maps pipeline events onto server frames. Audio delivery is
// omitted entirely when the client synthesises speech itself, which also
// disables synthesis on our side. A playable without raw samples cannot be
// forwarded, so it latches an error and cancels the turn.
func (s *Session) turnCallbacks(cancel context.CancelFunc, clientTTS bool) pipeline.Callbacks {
	cb := pipeline.Callbacks{
		OnTranscript: func(text string) {
			s.push(protocol.Transcript(text))
		},
		OnResponseChunk: func(text string) {
			s.push(protocol.ResponseChunk(text))
		},
		OnToolCall: func(call types.ToolCall) {
			s.push(protocol.ToolCall(call))
		},
		OnToolResult: func(callID, result string) {
			s.push(protocol.ToolResult(callID, result))
		},
		OnComplete: func() {
			if s.opaqueLatched() {
				s.push(protocol.Error(opaqueAudioMessage))
				return
			}
			s.push(protocol.Complete())
		},
		OnError: func(err error) {
			if s.opaqueLatched() {
				s.push(protocol.Error(opaqueAudioMessage))
				return
			}
			s.push(protocol.Error(turnErrorMessage(err)))
		},
	}
	if !clientTTS {
		cb.OnAudio = func(playable tts.Playable) {
			buffered, ok := playable.(*tts.Buffered)
			if !ok {
				s.mu.Lock()
				s.opaque = true
				s.mu.Unlock()
				cancel()
				s.log.Warn("session: playable has no raw samples, cancelling turn", "session_id", s.id)
				return
			}
			s.push(protocol.Audio(buffered.Frame))
		}
	}
	return cb
}

func (s *Session) opaqueLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opaque
}

// turnErrorMessage rewrites well-known turn failures into messages a client
// can show to its user.
func turnErrorMessage(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNoSTT):
		return "no speech-to-text provider is configured; send text frames instead"
	case errors.Is(err, pipeline.ErrEmptyTranscript):
		return "empty transcript"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "turn cancelled"
	default:
		return err.Error()
	}
}

func (s *Session) push(frame protocol.ServerFrame) {
	if err := s.send(frame); err != nil {
		s.log.Debug("session: send failed",
			"session_id", s.id, "frame_type", frame.Type, "error", err)
	}
}

// Close tears the session down. A running turn is cancelled but not waited
// for. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.cancel()
	s.log.Debug("session: closed", "session_id", s.id)
}
