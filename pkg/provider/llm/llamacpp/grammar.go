package llamacpp

import (
	"encoding/json"
	"strings"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// dualModeGrammar is the GBNF grammar handed to the llama.cpp binary when
// tools are offered. It constrains the model to exactly one of two shapes:
//
//	SAY: <free text>
//	TOOL: [ { "name": "...", "arguments": { ... } }, ... ]
//
// The SAY branch leaves the text unconstrained so it streams naturally; the
// TOOL branch forces a well-formed JSON array of call objects.
const dualModeGrammar = `root ::= sayresp | toolresp

sayresp ::= "SAY: " saychar*
saychar ::= [^\x00]

toolresp ::= "TOOL: " callarray
callarray ::= "[" ws call ("," ws call)* ws "]"
call ::= "{" ws "\"name\"" ws ":" ws string ws "," ws "\"arguments\"" ws ":" ws object ws "}"

object ::= "{" ws ( string ws ":" ws value ("," ws string ws ":" ws value)* )? ws "}"
array ::= "[" ws ( value ("," ws value)* )? ws "]"
value ::= object | array | string | number | "true" | "false" | "null"
string ::= "\"" schar* "\""
schar ::= [^"\\] | "\\" (["\\/bfnrt] | "u" [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F])
number ::= "-"? [0-9]+ ("." [0-9]+)? ([eE] [-+]? [0-9]+)?
ws ::= [ \t\n]*
`

// buildPrompt flattens a conversation into the plain-text prompt format the
// raw binary is driven with. Each turn is rendered on its own block and the
// prompt ends with an open assistant cue for the model to complete.
//
// With tools present, a catalogue block and the SAY/TOOL response rules are
// appended to the system text; the grammar enforces the shape, the prompt
// supplies the semantics.
func buildPrompt(messages []types.Message, tools []types.ToolDefinition) string {
	var b strings.Builder

	for i, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			b.WriteString(m.Content)
			if len(tools) > 0 && i == 0 {
				b.WriteString("\n\n")
				b.WriteString(toolCatalogue(tools))
			}
			b.WriteString("\n\n")
		case types.RoleUser:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		case types.RoleAssistant:
			b.WriteString("Assistant: ")
			if len(m.ToolCalls) > 0 {
				b.WriteString("TOOL: ")
				b.WriteString(renderToolCalls(m.ToolCalls))
			} else if len(tools) > 0 {
				b.WriteString("SAY: ")
				b.WriteString(m.Content)
			} else {
				b.WriteString(m.Content)
			}
			b.WriteString("\n")
		case types.RoleTool:
			b.WriteString("Tool result (")
			b.WriteString(m.ToolCallID)
			b.WriteString("): ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("Assistant:")
	return b.String()
}

// toolCatalogue renders the tool list and response rules for the system
// block.
func toolCatalogue(tools []types.ToolDefinition) string {
	doc, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		// Definitions are plain maps and strings; this cannot fail in practice.
		doc = []byte("[]")
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	b.Write(doc)
	b.WriteString("\n\n")
	b.WriteString("Respond with exactly one of:\n")
	b.WriteString("SAY: <your spoken reply>\n")
	b.WriteString(`TOOL: [{"name": "<tool name>", "arguments": {<parameters>}}]`)
	b.WriteString("\n")
	b.WriteString("Use TOOL only when a tool is needed; after its result arrives, answer with SAY.")
	return b.String()
}

// renderToolCalls renders prior assistant tool calls back into the TOOL
// array shape so the model sees its own convention in the history.
func renderToolCalls(calls []types.ToolCall) string {
	type entry struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	entries := make([]entry, 0, len(calls))
	for _, c := range calls {
		args := json.RawMessage(c.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		entries = append(entries, entry{Name: c.Name, Arguments: args})
	}
	doc, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(doc)
}
