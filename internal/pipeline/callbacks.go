package pipeline

import (
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// Callbacks receives the observable events of one turn. Every field is
// optional; a nil callback is skipped. OnComplete or OnError is invoked
// exactly once per Process call, after all other events, and never both.
type Callbacks struct {
	// OnTranscript delivers the transcript of a processed utterance before
	// generation starts. Only audio turns produce it.
	OnTranscript func(text string)

	// OnResponseChunk delivers response text in the exact order the model
	// produced it. Filler phrases, when emitted, arrive through the same
	// callback ahead of the final answer's chunks.
	OnResponseChunk func(text string)

	// OnAudio delivers synthesised sentences in sentence order. Leave nil
	// to disable synthesis for this turn, e.g. when the client performs TTS
	// locally.
	OnAudio func(playable tts.Playable)

	// OnToolCall announces a tool invocation before it executes.
	OnToolCall func(call types.ToolCall)

	// OnToolResult delivers a tool's JSON-encoded result, or a JSON error
	// document when execution failed, after the matching OnToolCall.
	OnToolResult func(callID, result string)

	// OnComplete signals the turn finished and all audio has been emitted.
	OnComplete func()

	// OnError signals the turn was aborted. The session stays usable.
	OnError func(err error)
}

// notifier wraps Callbacks with the turn's delivery guarantees: emissions
// stop once the turn has finished, and exactly one of complete or fail
// fires. All methods are safe for concurrent use; TTS jobs emit audio from
// their own goroutines.
type notifier struct {
	cb Callbacks

	mu   sync.Mutex
	done bool
}

func newNotifier(cb Callbacks) *notifier {
	return &notifier{cb: cb}
}

func (n *notifier) transcript(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done || n.cb.OnTranscript == nil {
		return
	}
	n.cb.OnTranscript(text)
}

func (n *notifier) chunk(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done || n.cb.OnResponseChunk == nil {
		return
	}
	n.cb.OnResponseChunk(text)
}

func (n *notifier) audio(playable tts.Playable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done || n.cb.OnAudio == nil {
		return
	}
	n.cb.OnAudio(playable)
}

func (n *notifier) toolCall(call types.ToolCall) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done || n.cb.OnToolCall == nil {
		return
	}
	n.cb.OnToolCall(call)
}

func (n *notifier) toolResult(callID, result string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done || n.cb.OnToolResult == nil {
		return
	}
	n.cb.OnToolResult(callID, result)
}

// complete fires OnComplete once. Subsequent complete or fail calls are
// no-ops.
func (n *notifier) complete() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return
	}
	n.done = true
	if n.cb.OnComplete != nil {
		n.cb.OnComplete()
	}
}

// fail fires OnError once. Subsequent complete or fail calls are no-ops.
func (n *notifier) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return
	}
	n.done = true
	if n.cb.OnError != nil {
		n.cb.OnError(err)
	}
}
