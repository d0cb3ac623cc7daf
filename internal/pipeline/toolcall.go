package pipeline

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// newCallID mints a fresh tool-call id: a process-wide monotonic counter
// for uniqueness plus an entropy suffix so ids are not guessable across
// restarts.
func (p *Pipeline) newCallID() string {
	return fmt.Sprintf("call_%d_%06x", p.callSeq.Add(1), rand.Uint32()&0xffffff)
}

// injectedCall is the JSON document a prompt-injected back-end emits when
// it wants a tool executed.
type injectedCall struct {
	ToolCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_call"`
}

// parseInjectedCall inspects content produced by a back-end without native
// tool support. Content that is a JSON document carrying a "tool_call" key
// yields the call; anything else is a final reply and returns ok == false.
//
// Detection first requires the trimmed content to start with '{' and
// mention "tool_call"; the whole document is then decoded. If that fails, a
// balanced JSON object embedded in surrounding prose is searched for as a
// fallback.
func parseInjectedCall(content string) (name, arguments string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"tool_call"`) {
		return "", "", false
	}

	var call injectedCall
	if err := json.Unmarshal([]byte(trimmed), &call); err == nil && call.ToolCall.Name != "" {
		return call.ToolCall.Name, argumentsJSON(call.ToolCall.Arguments), true
	}

	// Fallback: scan for an embedded balanced object containing the call.
	for i := range len(trimmed) {
		if trimmed[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(trimmed[i:]))
		var embedded injectedCall
		if err := dec.Decode(&embedded); err == nil && embedded.ToolCall.Name != "" {
			return embedded.ToolCall.Name, argumentsJSON(embedded.ToolCall.Arguments), true
		}
	}
	return "", "", false
}

// argumentsJSON normalises a raw arguments payload to a JSON object string.
func argumentsJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// toolInstructions renders the system-message block that exposes tools to a
// back-end without native tool support. The model is told to answer either
// with plain text or with exactly one tool_call document.
func toolInstructions(defs []types.ToolDefinition) string {
	doc, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		// Definitions are plain maps and strings; this cannot fail in practice.
		doc = []byte("[]")
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	b.Write(doc)
	b.WriteString("\n\n")
	b.WriteString("To use a tool, respond with ONLY a JSON object in this exact format and nothing else:\n")
	b.WriteString(`{"tool_call": {"name": "<tool name>", "arguments": {<parameters>}}}`)
	b.WriteString("\n\n")
	b.WriteString("After receiving the tool result, answer the user in plain text. ")
	b.WriteString("If no tool is needed, answer in plain text directly.")
	return b.String()
}

// prefixGate holds back streamed tokens until the first non-whitespace byte
// disambiguates a prompt-injected reply: '{' means a tool-call document is
// coming and nothing must reach the client, anything else means plain text
// that streams through. Used on tool-loop iterations that stream with a
// prompt-injected back-end.
type prefixGate struct {
	emit func(token string)

	buf      strings.Builder
	decided  bool
	suppress bool
	emitted  bool // at least one token reached emit
}

func newPrefixGate(emit func(token string)) *prefixGate {
	return &prefixGate{emit: emit}
}

// feed consumes one token, buffering until the gate can decide.
func (g *prefixGate) feed(token string) {
	if g.decided {
		if !g.suppress {
			g.emitted = true
			g.emit(token)
		}
		return
	}
	g.buf.WriteString(token)
	head := strings.TrimSpace(g.buf.String())
	if head == "" {
		return
	}
	g.decided = true
	g.suppress = head[0] == '{'
	if !g.suppress {
		g.emitted = true
		g.emit(g.buf.String())
		g.buf.Reset()
	}
}

// streamed reports whether any token was emitted live. When false, the
// caller decides what to do with the full buffered content: parse it as a
// tool call or emit it whole.
func (g *prefixGate) streamed() bool {
	return g.emitted
}
