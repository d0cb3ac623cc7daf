// Package tools implements the tool surface exposed to LLM back-ends: a
// concurrent-safe registry of named tools, their executor-free definitions
// for native tool lists or prompt injection, and schema-validated dispatch.
//
// Built-in tools live in the builtin sub-packages; external Model Context
// Protocol servers are imported through the mcptools bridge. Each source
// exports a Tools() constructor returning values ready for registration:
//
//	reg := tools.NewRegistry()
//	for _, t := range dice.Tools() {
//	    err := reg.Register(t)
//	    ...
//	}
//	out, err := reg.Execute(ctx, "roll_dice", `{"notation":"2d6"}`)
package tools

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// Tool couples a [types.ToolDefinition] with the handler invoked when the
// LLM calls it.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification.
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result string on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}
