package clock

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTimeHandler(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 4, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	out, err := timeHandler(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res timeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal result: %v\noutput: %s", err, out)
	}
	if res.Time != "15:04" {
		t.Errorf("Time = %q, want %q", res.Time, "15:04")
	}
	if res.Date != "2025-03-14" {
		t.Errorf("Date = %q, want %q", res.Date, "2025-03-14")
	}
	if res.Weekday != "Friday" {
		t.Errorf("Weekday = %q, want %q", res.Weekday, "Friday")
	}
	if res.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want %q", res.Timezone, "UTC")
	}
}

func TestTimeHandler_Timezone(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	out, err := timeHandler(context.Background(), `{"timezone":"America/New_York"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res timeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	// New York is UTC-4 in March (DST).
	if res.Time != "08:00" {
		t.Errorf("Time = %q, want %q", res.Time, "08:00")
	}
}

func TestTimeHandler_UnknownTimezone(t *testing.T) {
	t.Parallel()
	if _, err := timeHandler(context.Background(), `{"timezone":"Not/AZone"}`); err == nil {
		t.Error("expected error for unknown timezone, got nil")
	}
}

func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 1 {
		t.Fatalf("Tools() returned %d tools, want 1", len(ts))
	}
	if ts[0].Definition.Name != "get_time" {
		t.Errorf("name = %q, want %q", ts[0].Definition.Name, "get_time")
	}
	if ts[0].Handler == nil {
		t.Error("tool has nil Handler")
	}
}
