// Package dice provides the built-in roll_dice tool.
//
// The tool evaluates standard dice notation (e.g. "2d6+3") and reports the
// individual die results plus the total. Handlers are safe for concurrent
// use; randomness uses [math/rand/v2] with a per-process automatically-seeded
// source.
package dice

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/voxpipe/voxpipe/internal/tools"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// rollArgs is the JSON-decoded input for the roll_dice tool.
type rollArgs struct {
	// Notation is the dice notation to evaluate (e.g. "2d6+3").
	Notation string `json:"notation"`
}

// rollResult is the JSON-encoded output of the roll_dice tool.
type rollResult struct {
	// Rolls holds the individual die results before the modifier is applied.
	Rolls []int `json:"rolls"`

	// Total is the sum of all rolls plus the modifier.
	Total int `json:"total"`
}

// parseNotation parses dice notation of the form NdS, NdS+M, or NdS-M.
// N is the number of dice (defaults to 1 when omitted), S is the number of
// sides (must be ≥ 1), and M is an optional integer modifier.
func parseNotation(notation string) (count, sides, modifier int, err error) {
	notation = strings.ToLower(strings.TrimSpace(notation))

	dIdx := strings.Index(notation, "d")
	if dIdx == -1 {
		return 0, 0, 0, fmt.Errorf("dice: invalid notation %q: missing 'd' separator", notation)
	}

	countStr := notation[:dIdx]
	if countStr == "" {
		count = 1
	} else {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("dice: invalid die count %q in notation %q", countStr, notation)
		}
	}
	if count < 1 {
		return 0, 0, 0, fmt.Errorf("dice: die count must be ≥ 1, got %d in notation %q", count, notation)
	}
	if count > 1000 {
		return 0, 0, 0, fmt.Errorf("dice: die count must be ≤ 1000, got %d in notation %q", count, notation)
	}

	rest := notation[dIdx+1:]
	plusIdx := strings.Index(rest, "+")
	minusIdx := strings.Index(rest, "-")

	switch {
	case plusIdx != -1:
		sides, err = strconv.Atoi(rest[:plusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("dice: invalid sides %q in notation %q", rest[:plusIdx], notation)
		}
		modifier, err = strconv.Atoi(rest[plusIdx+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("dice: invalid modifier %q in notation %q", rest[plusIdx+1:], notation)
		}

	case minusIdx != -1:
		sides, err = strconv.Atoi(rest[:minusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("dice: invalid sides %q in notation %q", rest[:minusIdx], notation)
		}
		mod, err2 := strconv.Atoi(rest[minusIdx+1:])
		if err2 != nil {
			return 0, 0, 0, fmt.Errorf("dice: invalid modifier %q in notation %q", rest[minusIdx+1:], notation)
		}
		modifier = -mod

	default:
		sides, err = strconv.Atoi(rest)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("dice: invalid sides %q in notation %q", rest, notation)
		}
	}

	if sides < 1 {
		return 0, 0, 0, fmt.Errorf("dice: sides must be ≥ 1, got %d in notation %q", sides, notation)
	}

	return count, sides, modifier, nil
}

// rollHandler implements roll_dice: parse the notation, roll, and return a
// JSON-encoded [rollResult].
func rollHandler(_ context.Context, args string) (string, error) {
	var a rollArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("dice: failed to parse arguments: %w", err)
	}
	if a.Notation == "" {
		return "", fmt.Errorf("dice: notation must not be empty")
	}

	count, sides, modifier, err := parseNotation(a.Notation)
	if err != nil {
		return "", err
	}

	rolls := make([]int, count)
	total := modifier
	for i := range count {
		r := rand.IntN(sides) + 1
		rolls[i] = r
		total += r
	}

	res, err := json.Marshal(rollResult{Rolls: rolls, Total: total})
	if err != nil {
		return "", fmt.Errorf("dice: failed to encode result: %w", err)
	}
	return string(res), nil
}

// Tools returns the built-in dice tools ready for registration.
func Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "roll_dice",
				Description: "Roll dice using standard notation and return each individual die result and the total. Supports forms such as 2d6, 1d20+3, or 4d8-1.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"notation": map[string]any{
							"type":        "string",
							"description": "Dice notation to evaluate, e.g. 2d6, 1d20+3, 4d8-1",
						},
					},
					"required": []string{"notation"},
				},
			},
			Handler: rollHandler,
		},
	}
}
