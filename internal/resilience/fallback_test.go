package resilience

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

// fakeProvider satisfies the Provider constraint with scriptable behaviour.
type fakeProvider struct {
	name    string
	initErr error
	ready   bool
	calls   int
	fail    error
}

func (f *fakeProvider) Initialize(_ context.Context, progress func(string)) error {
	if f.initErr != nil {
		return f.initErr
	}
	if progress != nil {
		progress("warmed up")
	}
	f.ready = true
	return nil
}

func (f *fakeProvider) Ready() bool { return f.ready }

// serve is the fn handed to ExecuteWithResult in these tests: it returns the
// entry's name, or its scripted failure.
func serve(p *fakeProvider) (string, error) {
	p.calls++
	if p.fail != nil {
		return "", p.fail
	}
	return p.name, nil
}

func newTestGroup(primary, backup *fakeProvider) *FallbackGroup[*fakeProvider] {
	fg := NewFallbackGroup(primary, primary.name, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback(backup.name, backup)
	return fg
}

// ── Initialization ───────────────────────────────────────────────────────────

func TestFallbackGroup_InitializeWarmsAllEntries(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)

	var lines []string
	if err := fg.Initialize(context.Background(), func(msg string) {
		lines = append(lines, msg)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !primary.ready || !backup.ready {
		t.Errorf("ready: primary=%v backup=%v, want both true", primary.ready, backup.ready)
	}
	if !slices.Contains(lines, "primary: warmed up") || !slices.Contains(lines, "backup: warmed up") {
		t.Errorf("progress lines = %v, want entries prefixed with their names", lines)
	}
}

func TestFallbackGroup_InitializePartialFailure(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary", initErr: errTest}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)

	if err := fg.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize should tolerate one failed entry, got %v", err)
	}
	if primary.Ready() {
		t.Error("primary should not be ready after failed initialize")
	}
	if !fg.Ready() {
		t.Error("group should be ready through the backup")
	}
}

func TestFallbackGroup_InitializeAllFail(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary", initErr: errTest}
	backup := &fakeProvider{name: "backup", initErr: errTest}
	fg := newTestGroup(primary, backup)

	err := fg.Initialize(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when no entry initializes")
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want wrapped entry errors", err)
	}
	if fg.Ready() {
		t.Error("group must not report ready")
	}
}

func TestFallbackGroup_InitializeCancelledContext(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := fg.Initialize(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.ready || backup.ready {
		t.Error("no entry should have been initialized on a dead context")
	}
}

// ── Failover ─────────────────────────────────────────────────────────────────

func TestExecuteWithResult_PrimaryServes(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)
	must(t, fg.Initialize(context.Background(), nil))

	got, err := ExecuteWithResult(context.Background(), fg, serve)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary" {
		t.Errorf("result = %q, want primary", got)
	}
	if backup.calls != 0 {
		t.Errorf("backup was called %d times, want 0", backup.calls)
	}
}

func TestExecuteWithResult_FailoverOnError(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary", fail: errTest}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)
	must(t, fg.Initialize(context.Background(), nil))

	got, err := ExecuteWithResult(context.Background(), fg, serve)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "backup" {
		t.Errorf("result = %q, want backup", got)
	}
	if primary.calls != 1 {
		t.Errorf("primary was called %d times, want 1", primary.calls)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary", fail: errTest}
	backup := &fakeProvider{name: "backup", fail: errTest}
	fg := newTestGroup(primary, backup)
	must(t, fg.Initialize(context.Background(), nil))

	_, err := ExecuteWithResult(context.Background(), fg, serve)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestExecuteWithResult_SkipsNotReadyEntries(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)

	// Only the backup comes up.
	must(t, backup.Initialize(context.Background(), nil))

	got, err := ExecuteWithResult(context.Background(), fg, serve)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "backup" {
		t.Errorf("result = %q, want backup", got)
	}
	if primary.calls != 0 {
		t.Errorf("not-ready primary was called %d times, want 0", primary.calls)
	}
}

func TestExecuteWithResult_NoEntryReady(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(&fakeProvider{name: "primary"}, &fakeProvider{name: "backup"})

	_, err := ExecuteWithResult(context.Background(), fg, serve)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !strings.Contains(err.Error(), "no provider is ready") {
		t.Errorf("err = %v, want mention that nothing is ready", err)
	}
}

func TestExecuteWithResult_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary", fail: errTest}
	backup := &fakeProvider{name: "backup"}
	fg := NewFallbackGroup(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("backup", backup)
	must(t, fg.Initialize(context.Background(), nil))

	// First call trips the primary's breaker.
	if got, err := ExecuteWithResult(context.Background(), fg, serve); err != nil || got != "backup" {
		t.Fatalf("first call = %q, %v, want backup, nil", got, err)
	}

	// The primary is healthy again, but its open breaker keeps it out.
	primary.fail = nil
	if got, err := ExecuteWithResult(context.Background(), fg, serve); err != nil || got != "backup" {
		t.Fatalf("second call = %q, %v, want backup, nil", got, err)
	}
	if primary.calls != 1 {
		t.Errorf("primary was called %d times, want 1 (breaker open)", primary.calls)
	}
}

func TestExecuteWithResult_UnrecoverableStopsFailover(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)
	must(t, fg.Initialize(context.Background(), nil))

	_, err := ExecuteWithResult(context.Background(), fg, func(p *fakeProvider) (string, error) {
		p.calls++
		return "", Unrecoverable(errTest)
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want the wrapped error", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("unrecoverable errors must not be reported as ErrAllFailed")
	}
	if backup.calls != 0 {
		t.Errorf("backup was called %d times, want 0", backup.calls)
	}
}

func TestExecuteWithResult_CancelledContextStopsFailover(t *testing.T) {
	t.Parallel()
	primary := &fakeProvider{name: "primary"}
	backup := &fakeProvider{name: "backup"}
	fg := newTestGroup(primary, backup)
	must(t, fg.Initialize(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := ExecuteWithResult(ctx, fg, func(p *fakeProvider) (string, error) {
		p.calls++
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if backup.calls != 0 {
		t.Errorf("backup was called %d times on a dead context, want 0", backup.calls)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
