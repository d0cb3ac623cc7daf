// Package protocol defines the duplex JSON wire protocol spoken over a
// session's WebSocket: one UTF-8 JSON object per message, each carrying a
// "type" tag. Audio payloads travel as base64-encoded little-endian float32
// mono PCM.
//
// Inbound decoding accepts the snake_case field synonyms older clients send
// (sample_rate, response_text); outbound frames always use the canonical
// camelCase form.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// Client frame types.
const (
	TypeCapabilities = "capabilities"
	TypeAudio        = "audio"
	TypeEndAudio     = "end_audio"
	TypeText         = "text"
	TypeClearHistory = "clear_history"
)

// Server frame types. TypeAudio is shared with the client direction.
const (
	TypeTranscript    = "transcript"
	TypeResponseChunk = "response_chunk"
	TypeToolCall      = "tool_call"
	TypeToolResult    = "tool_result"
	TypeComplete      = "complete"
	TypeError         = "error"
)

// ── Client frames ────────────────────────────────────────────────────────────

// ClientFrame is one decoded inbound frame. Only the fields belonging to
// Type are meaningful.
type ClientFrame struct {
	Type string `json:"type"`

	// HasSTT and HasTTS are set on capabilities frames and declare which
	// stages the client performs locally.
	HasSTT bool `json:"hasSTT"`
	HasTTS bool `json:"hasTTS"`

	// Data carries one chunk of base64 float32 PCM on audio frames.
	Data string `json:"data"`

	// SampleRate is the PCM rate of Data in Hz.
	SampleRate int `json:"sampleRate"`

	// Text is the user input on text frames.
	Text string `json:"text"`
}

// DecodeClient parses one inbound frame. Legacy snake_case synonyms are
// folded into their canonical fields. Malformed JSON, a missing type tag,
// and unknown types are errors; the caller reports them as protocol errors
// without closing the session.
func DecodeClient(data []byte) (ClientFrame, error) {
	var aux struct {
		ClientFrame
		SampleRateLegacy int    `json:"sample_rate"`
		ResponseText     string `json:"response_text"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return ClientFrame{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	f := aux.ClientFrame
	if f.SampleRate == 0 {
		f.SampleRate = aux.SampleRateLegacy
	}
	if f.Text == "" {
		f.Text = aux.ResponseText
	}

	switch f.Type {
	case "":
		return ClientFrame{}, fmt.Errorf("protocol: frame is missing a type")
	case TypeCapabilities, TypeAudio, TypeEndAudio, TypeText, TypeClearHistory:
		return f, nil
	default:
		return ClientFrame{}, fmt.Errorf("protocol: unknown frame type %q", f.Type)
	}
}

// AudioSamples decodes the PCM payload of an audio frame.
func (f ClientFrame) AudioSamples() ([]float32, error) {
	return audio.DecodeBase64(f.Data)
}

// ── Server frames ────────────────────────────────────────────────────────────

// ServerFrame is one outbound frame. Construct frames with the typed
// helpers below; only the fields belonging to Type are set.
type ServerFrame struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Data       string          `json:"data,omitempty"`
	SampleRate int             `json:"sampleRate,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Encode serialises the frame to its wire form.
func (f ServerFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Transcript builds a transcript frame carrying the recognised user text.
func Transcript(text string) ServerFrame {
	return ServerFrame{Type: TypeTranscript, Text: text}
}

// ResponseChunk builds a response_chunk frame carrying one piece of
// streamed reply text.
func ResponseChunk(text string) ServerFrame {
	return ServerFrame{Type: TypeResponseChunk, Text: text}
}

// Audio builds an audio frame carrying one synthesised sentence.
func Audio(frame audio.Frame) ServerFrame {
	return ServerFrame{
		Type:       TypeAudio,
		Data:       audio.EncodeBase64(frame.Samples),
		SampleRate: frame.SampleRate,
	}
}

// ToolCall builds a tool_call frame announcing a tool invocation. The
// call's argument string is embedded as a JSON object.
func ToolCall(call types.ToolCall) ServerFrame {
	return ServerFrame{
		Type:       TypeToolCall,
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  rawJSON(call.Arguments),
	}
}

// ToolResult builds a tool_result frame carrying a tool's JSON result.
func ToolResult(callID, result string) ServerFrame {
	return ServerFrame{
		Type:       TypeToolResult,
		ToolCallID: callID,
		Result:     rawJSON(result),
	}
}

// Complete builds the terminal frame of a turn.
func Complete() ServerFrame {
	return ServerFrame{Type: TypeComplete}
}

// Error builds an error frame. The session stays open after an error.
func Error(message string) ServerFrame {
	return ServerFrame{Type: TypeError, Message: message}
}

// rawJSON embeds s as a JSON value, quoting it as a string when it is not
// already valid JSON so a frame never fails to marshal.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
