// Package clock provides the built-in get_time tool, which reports the
// current wall-clock time, optionally in a requested IANA time zone.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxpipe/voxpipe/internal/tools"
	"github.com/voxpipe/voxpipe/pkg/types"
)

// now is swapped in tests for deterministic output.
var now = time.Now

// timeArgs is the JSON-decoded input for the get_time tool.
type timeArgs struct {
	// Timezone is an optional IANA time zone name such as "Europe/Berlin".
	// Empty means the server's local time zone.
	Timezone string `json:"timezone"`
}

// timeResult is the JSON-encoded output of the get_time tool.
type timeResult struct {
	// Time is the wall-clock time in 24-hour HH:MM form.
	Time string `json:"time"`

	// Date is the calendar date in YYYY-MM-DD form.
	Date string `json:"date"`

	// Weekday is the English weekday name.
	Weekday string `json:"weekday"`

	// Timezone is the resolved zone name the other fields are expressed in.
	Timezone string `json:"timezone"`
}

// timeHandler implements get_time.
func timeHandler(_ context.Context, args string) (string, error) {
	var a timeArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("clock: failed to parse arguments: %w", err)
	}

	t := now()
	if a.Timezone != "" {
		loc, err := time.LoadLocation(a.Timezone)
		if err != nil {
			return "", fmt.Errorf("clock: unknown timezone %q: %w", a.Timezone, err)
		}
		t = t.In(loc)
	}

	zone, _ := t.Zone()
	res, err := json.Marshal(timeResult{
		Time:     t.Format("15:04"),
		Date:     t.Format("2006-01-02"),
		Weekday:  t.Weekday().String(),
		Timezone: zone,
	})
	if err != nil {
		return "", fmt.Errorf("clock: failed to encode result: %w", err)
	}
	return string(res), nil
}

// Tools returns the built-in clock tools ready for registration.
func Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "get_time",
				Description: "Get the current time and date, optionally in a specific IANA time zone.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{
							"type":        "string",
							"description": "Optional IANA time zone name, e.g. Europe/Berlin or UTC. Defaults to the server's local zone.",
						},
					},
				},
			},
			Handler: timeHandler,
		},
	}
}
