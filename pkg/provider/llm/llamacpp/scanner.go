package llamacpp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// The prefixes include the trailing space the grammar enforces, so a
// decision never fires one byte early and leaks the separator as a token.
const (
	sayPrefix  = "SAY: "
	toolPrefix = "TOOL: "
)

// responseMode is the decided shape of one grammar-constrained response.
type responseMode int

const (
	modeUndecided responseMode = iota
	modeSay
	modeTool
)

// dualScanner consumes raw model output and disambiguates the SAY/TOOL
// prefix as soon as enough bytes have arrived, after trimming leading
// whitespace. Under SAY every byte past the prefix streams through onSay
// immediately; under TOOL bytes are buffered until the process ends.
//
// Output that matches neither prefix (a model ignoring the grammar) is
// treated as plain say text and streamed verbatim.
type dualScanner struct {
	onSay func(text string)

	mode responseMode
	head strings.Builder // undecided bytes, leading whitespace included
	say  strings.Builder // accumulated post-prefix say text
	tool strings.Builder // accumulated post-prefix tool JSON
}

func newDualScanner(onSay func(text string)) *dualScanner {
	return &dualScanner{onSay: onSay, mode: modeUndecided}
}

// feed consumes one chunk of process output.
func (s *dualScanner) feed(chunk string) {
	if chunk == "" {
		return
	}
	switch s.mode {
	case modeSay:
		s.emitSay(chunk)
	case modeTool:
		s.tool.WriteString(chunk)
	default:
		s.head.WriteString(chunk)
		s.tryDecide(false)
	}
}

// finish flushes any undecided bytes and returns the final mode. Callers
// then read Say or Tool output.
func (s *dualScanner) finish() responseMode {
	if s.mode == modeUndecided {
		s.tryDecide(true)
	}
	if s.mode == modeUndecided {
		// Nothing but whitespace arrived.
		s.mode = modeSay
	}
	return s.mode
}

// tryDecide inspects the undecided head. Decision needs enough bytes to
// rule both prefixes in or out; at EOF whatever is buffered decides.
func (s *dualScanner) tryDecide(eof bool) {
	head := s.head.String()
	trimmed := strings.TrimLeft(head, " \t\r\n")
	if trimmed == "" {
		return
	}

	switch {
	case strings.HasPrefix(trimmed, sayPrefix):
		s.mode = modeSay
		s.head.Reset()
		s.emitSay(strings.TrimPrefix(trimmed, sayPrefix))
	case strings.HasPrefix(trimmed, toolPrefix):
		s.mode = modeTool
		s.head.Reset()
		s.tool.WriteString(strings.TrimPrefix(trimmed, toolPrefix))
	case !eof && (strings.HasPrefix(sayPrefix, trimmed) || strings.HasPrefix(toolPrefix, trimmed)):
		// Could still become either prefix.
	default:
		s.mode = modeSay
		s.head.Reset()
		s.emitSay(trimmed)
	}
}

func (s *dualScanner) emitSay(text string) {
	if text == "" {
		return
	}
	s.say.WriteString(text)
	if s.onSay != nil {
		s.onSay(text)
	}
}

// Say returns the accumulated say text.
func (s *dualScanner) Say() string { return s.say.String() }

// Tool returns the raw buffered tool payload.
func (s *dualScanner) Tool() string { return s.tool.String() }

// parseToolArray decodes a TOOL payload into tool calls. Ids are left empty;
// the orchestrator mints them when the calls are parsed into a turn.
func parseToolArray(payload string) ([]types.ToolCall, error) {
	var entries []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &entries); err != nil {
		return nil, fmt.Errorf("llamacpp: parse tool array: %w", err)
	}

	calls := make([]types.ToolCall, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("llamacpp: tool call without a name")
		}
		args := "{}"
		if len(e.Arguments) > 0 {
			args = string(e.Arguments)
		}
		calls = append(calls, types.ToolCall{Name: e.Name, Arguments: args})
	}
	return calls, nil
}
