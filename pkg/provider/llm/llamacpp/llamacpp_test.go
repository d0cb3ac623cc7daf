package llamacpp

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/provider/llm"
	"github.com/voxpipe/voxpipe/pkg/provider/modelcache"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// ── dual scanner ──────────────────────────────────────────────────────────────

func TestDualScanner_SayStreams(t *testing.T) {
	t.Parallel()
	var streamed []string
	s := newDualScanner(func(text string) { streamed = append(streamed, text) })

	for _, chunk := range []string{"SAY: The ", "dragon ", "wakes."} {
		s.feed(chunk)
	}
	if mode := s.finish(); mode != modeSay {
		t.Fatalf("mode = %v, want say", mode)
	}
	if got := s.Say(); got != "The dragon wakes." {
		t.Errorf("Say() = %q", got)
	}
	if strings.Join(streamed, "") != "The dragon wakes." {
		t.Errorf("streamed = %q", strings.Join(streamed, ""))
	}
}

func TestDualScanner_PrefixSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	var streamed []string
	s := newDualScanner(func(text string) { streamed = append(streamed, text) })

	// The prefix arrives byte-wise; nothing may leak until it resolves.
	for _, chunk := range []string{"S", "A", "Y", ":", " ", "hi"} {
		s.feed(chunk)
	}
	if mode := s.finish(); mode != modeSay {
		t.Fatalf("mode = %v, want say", mode)
	}
	if got := strings.Join(streamed, ""); got != "hi" {
		t.Errorf("streamed = %q, want %q", got, "hi")
	}
}

func TestDualScanner_ToolBuffersWithoutStreaming(t *testing.T) {
	t.Parallel()
	var streamed []string
	s := newDualScanner(func(text string) { streamed = append(streamed, text) })

	for _, chunk := range []string{"TOOL: [{\"name\":\"roll_dice\",", "\"arguments\":{\"sides\":20}}]"} {
		s.feed(chunk)
	}
	if mode := s.finish(); mode != modeTool {
		t.Fatalf("mode = %v, want tool", mode)
	}
	if len(streamed) != 0 {
		t.Errorf("tool bytes leaked as tokens: %v", streamed)
	}
	if got := s.Tool(); got != `[{"name":"roll_dice","arguments":{"sides":20}}]` {
		t.Errorf("Tool() = %q", got)
	}
}

func TestDualScanner_LeadingWhitespaceBeforePrefix(t *testing.T) {
	t.Parallel()
	s := newDualScanner(nil)
	s.feed("  \n TOOL: [  ]")
	if mode := s.finish(); mode != modeTool {
		t.Fatalf("mode = %v, want tool", mode)
	}
	if got := s.Tool(); got != "[  ]" {
		t.Errorf("Tool() = %q", got)
	}
}

func TestDualScanner_UnknownPrefixFallsBackToSay(t *testing.T) {
	t.Parallel()
	var streamed []string
	s := newDualScanner(func(text string) { streamed = append(streamed, text) })

	// "Sure" shares its first byte with SAY: but is not the prefix.
	s.feed("Sure, rolling now.")
	if mode := s.finish(); mode != modeSay {
		t.Fatalf("mode = %v, want say", mode)
	}
	if got := strings.Join(streamed, ""); got != "Sure, rolling now." {
		t.Errorf("streamed = %q", got)
	}
}

func TestDualScanner_ShortOutputDecidesAtEOF(t *testing.T) {
	t.Parallel()
	s := newDualScanner(nil)
	s.feed("SA") // still ambiguous when the process ends
	if mode := s.finish(); mode != modeSay {
		t.Fatalf("mode = %v, want say", mode)
	}
	if got := s.Say(); got != "SA" {
		t.Errorf("Say() = %q", got)
	}
}

// ── tool array parsing ────────────────────────────────────────────────────────

func TestParseToolArray(t *testing.T) {
	t.Parallel()
	calls, err := parseToolArray(`[
		{"name": "roll_dice", "arguments": {"sides": 20, "count": 2}},
		{"name": "current_time", "arguments": {}}
	]`)
	if err != nil {
		t.Fatalf("parseToolArray: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "roll_dice" {
		t.Errorf("calls[0].Name = %q", calls[0].Name)
	}
	if !strings.Contains(calls[0].Arguments, `"sides"`) {
		t.Errorf("calls[0].Arguments = %q", calls[0].Arguments)
	}
	if calls[0].ID != "" || calls[1].ID != "" {
		t.Error("ids must be left empty for the orchestrator to mint")
	}
}

func TestParseToolArray_MissingArguments(t *testing.T) {
	t.Parallel()
	calls, err := parseToolArray(`[{"name": "current_time"}]`)
	if err != nil {
		t.Fatalf("parseToolArray: %v", err)
	}
	if calls[0].Arguments != "{}" {
		t.Errorf("Arguments = %q, want {}", calls[0].Arguments)
	}
}

func TestParseToolArray_Malformed(t *testing.T) {
	t.Parallel()
	cases := []string{
		`[{"name": "x"`,
		`{"name": "x"}`,
		`[{"arguments": {}}]`,
		``,
	}
	for _, payload := range cases {
		if _, err := parseToolArray(payload); err == nil {
			t.Errorf("parseToolArray(%q) should fail", payload)
		}
	}
}

// ── prompt building ───────────────────────────────────────────────────────────

func TestBuildPrompt_FlattensConversation(t *testing.T) {
	t.Parallel()
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "You are a game master."},
		{Role: types.RoleUser, Content: "Roll for initiative."},
		{Role: types.RoleAssistant, Content: "You rolled a 17."},
		{Role: types.RoleUser, Content: "And the goblin?"},
	}

	prompt := buildPrompt(messages, nil)

	if !strings.HasPrefix(prompt, "You are a game master.") {
		t.Errorf("prompt should start with the system text:\n%s", prompt)
	}
	if !strings.Contains(prompt, "User: Roll for initiative.") {
		t.Errorf("missing user turn:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Assistant: You rolled a 17.") {
		t.Errorf("missing assistant turn:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Errorf("prompt must end with the open assistant cue:\n%s", prompt)
	}
}

func TestBuildPrompt_WithTools(t *testing.T) {
	t.Parallel()
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "You are a game master."},
		{Role: types.RoleUser, Content: "Roll a d20."},
		{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "call_1", Name: "roll_dice", Arguments: `{"sides":20}`}},
		},
		{Role: types.RoleTool, ToolCallID: "call_1", Content: `{"total":17}`},
	}
	tools := []types.ToolDefinition{{Name: "roll_dice", Description: "Roll dice."}}

	prompt := buildPrompt(messages, tools)

	if !strings.Contains(prompt, "roll_dice") {
		t.Error("tool catalogue missing from the system block")
	}
	if !strings.Contains(prompt, "SAY:") || !strings.Contains(prompt, "TOOL:") {
		t.Error("response rules missing from the system block")
	}
	if !strings.Contains(prompt, `Assistant: TOOL: [{"name":"roll_dice","arguments":{"sides":20}}]`) {
		t.Errorf("prior tool call not rendered in the convention:\n%s", prompt)
	}
	if !strings.Contains(prompt, `Tool result (call_1): {"total":17}`) {
		t.Errorf("tool result turn missing:\n%s", prompt)
	}
}

// ── grammar ───────────────────────────────────────────────────────────────────

func TestDualModeGrammar_Shape(t *testing.T) {
	t.Parallel()
	for _, rule := range []string{"root ::=", `"SAY: "`, `"TOOL: "`, "callarray", `"\"name\""`, `"\"arguments\""`} {
		if !strings.Contains(dualModeGrammar, rule) {
			t.Errorf("grammar missing %q", rule)
		}
	}
}

// ── constructor / Initialize ──────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "model.gguf"); err == nil {
		t.Error("expected error for empty binary reference")
	}
	if _, err := New("llama-cli", ""); err == nil {
		t.Error("expected error for empty model reference")
	}
}

func TestInitialize_MissingArtifacts(t *testing.T) {
	t.Setenv(modelcache.EnvVar, t.TempDir())

	p, err := New("llama-cli", "model.gguf")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Initialize(context.Background(), nil); err == nil {
		t.Fatal("Initialize should fail when the binary is missing")
	}
	if p.Ready() {
		t.Error("Ready() = true after failed Initialize")
	}
}

func TestGenerate_BeforeInitialize(t *testing.T) {
	t.Parallel()
	p, err := New("llama-cli", "model.gguf")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Generate(context.Background(), nil, llm.Options{}); err == nil {
		t.Fatal("Generate before Initialize should fail")
	}
}

// ── subprocess round trips via a fake binary ──────────────────────────────────

// installFakeBinary writes a shell script posing as llama-cli into a fresh
// cache and returns an initialised provider.
func installFakeBinary(t *testing.T, script string) *Provider {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake shell binary requires a POSIX shell")
	}

	cache := t.TempDir()
	t.Setenv(modelcache.EnvVar, cache)

	binDir := filepath.Join(cache, "bin")
	modelsDir := filepath.Join(cache, "models")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin: %v", err)
	}
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "llama-cli"), []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modelsDir, "model.gguf"), []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write fake model: %v", err)
	}

	p, err := New("llama-cli", "model.gguf")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

func TestGenerate_SayRoundTrip(t *testing.T) {
	p := installFakeBinary(t, `echo "SAY: A shadow moves in the corner."`)

	var tokens []string
	result, err := p.Generate(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "What do I see?"},
	}, llm.Options{
		Tools:   []types.ToolDefinition{{Name: "roll_dice", Description: "Roll dice."}},
		OnToken: func(tok string) { tokens = append(tokens, tok) },
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.Content != "A shadow moves in the corner." {
		t.Errorf("Content = %q", result.Content)
	}
	if result.FinishReason != types.FinishStop {
		t.Errorf("FinishReason = %q", result.FinishReason)
	}
	if !strings.Contains(strings.Join(tokens, ""), "A shadow moves") {
		t.Errorf("tokens = %q", strings.Join(tokens, ""))
	}
}

func TestGenerate_ToolRoundTrip(t *testing.T) {
	p := installFakeBinary(t, `echo 'TOOL: [{"name":"roll_dice","arguments":{"sides":20}}]'`)

	var tokens []string
	var calls []types.ToolCall
	result, err := p.Generate(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "Roll a d20."},
	}, llm.Options{
		Tools:      []types.ToolDefinition{{Name: "roll_dice", Description: "Roll dice."}},
		OnToken:    func(tok string) { tokens = append(tokens, tok) },
		OnToolCall: func(tc types.ToolCall) { calls = append(calls, tc) },
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(tokens) != 0 {
		t.Errorf("tool output leaked as tokens: %v", tokens)
	}
	if result.FinishReason != types.FinishToolCalls {
		t.Errorf("FinishReason = %q", result.FinishReason)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "roll_dice" {
		t.Fatalf("ToolCalls = %+v", result.ToolCalls)
	}
	if len(calls) != 1 {
		t.Errorf("OnToolCall fired %d times, want 1", len(calls))
	}
}

func TestGenerate_MalformedToolPayload(t *testing.T) {
	p := installFakeBinary(t, `echo 'TOOL: [{"name": broken'`)

	result, err := p.Generate(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "Roll a d20."},
	}, llm.Options{
		Tools: []types.ToolDefinition{{Name: "roll_dice", Description: "Roll dice."}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(result.ToolCalls) != 0 {
		t.Errorf("malformed payload must yield no calls, got %+v", result.ToolCalls)
	}
	if result.FinishReason != types.FinishStop {
		t.Errorf("FinishReason = %q, want stop", result.FinishReason)
	}
	if !strings.Contains(result.Content, "broken") {
		t.Errorf("Content should carry the raw buffer, got %q", result.Content)
	}
}

func TestGenerate_NoToolsStreamsPlainOutput(t *testing.T) {
	p := installFakeBinary(t, `echo "Plain text without any prefix."`)

	var tokens []string
	result, err := p.Generate(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "Say something."},
	}, llm.Options{OnToken: func(tok string) { tokens = append(tokens, tok) }})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.Content != "Plain text without any prefix." {
		t.Errorf("Content = %q", result.Content)
	}
	if strings.Join(tokens, "") == "" {
		t.Error("expected streamed tokens for plain output")
	}
}

func TestGenerate_BinaryFailureCarriesStderr(t *testing.T) {
	p := installFakeBinary(t, `echo "ggml model load failed" >&2; exit 3`)

	_, err := p.Generate(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "Hello."},
	}, llm.Options{})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "model load failed") {
		t.Errorf("error should carry stderr, got: %v", err)
	}
}
