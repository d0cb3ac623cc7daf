package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] is
// unavailable: not ready, circuit open, or failing.
var ErrAllFailed = errors.New("all providers failed")

// Provider is the part of every back-end contract the failover machinery
// relies on. All of pkg/provider's interfaces satisfy it.
type Provider interface {
	// Initialize performs the provider's heavy setup.
	Initialize(ctx context.Context, progress func(message string)) error

	// Ready reports whether the provider can serve calls.
	Ready() bool
}

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the per-entry breaker configuration. The entry name
	// overrides its Name field.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover decisions. Defaults to slog.Default.
	Logger *slog.Logger
}

// fallbackEntry pairs a provider with its dedicated circuit breaker.
type fallbackEntry[T Provider] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider kind. When the primary is not ready, has an open breaker, or
// fails, the next healthy fallback is tried in registration order.
//
// Register all entries during startup; AddFallback must not race Execute
// calls. The group itself is then safe for concurrent use.
type FallbackGroup[T Provider] struct {
	log     *slog.Logger
	cfg     FallbackConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first
// entry. Additional fallbacks are registered with
// [FallbackGroup.AddFallback].
func NewFallbackGroup[T Provider](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{log: cfg.Logger, cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider. Entries are tried in the order they were
// added, the primary first.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	cbCfg.Logger = fg.log
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Initialize warms up every entry, fallbacks included, so a later failover
// does not pay the setup cost mid-turn. Entries that fail to initialize are
// logged and left not-ready; Initialize only errors when no entry at all
// came up.
func (fg *FallbackGroup[T]) Initialize(ctx context.Context, progress func(message string)) error {
	var errs []error
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := &fg.entries[i]
		var prefixed func(string)
		if progress != nil {
			prefixed = func(msg string) { progress(entry.name + ": " + msg) }
		}
		if err := entry.value.Initialize(ctx, prefixed); err != nil {
			fg.log.Warn("provider failed to initialize",
				"provider", entry.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		}
	}
	if len(errs) == len(fg.entries) {
		return fmt.Errorf("resilience: no provider initialized: %w", errors.Join(errs...))
	}
	return nil
}

// Ready reports whether at least one entry can serve calls.
func (fg *FallbackGroup[T]) Ready() bool {
	for i := range fg.entries {
		if fg.entries[i].value.Ready() {
			return true
		}
	}
	return false
}

// Unrecoverable marks err so that [ExecuteWithResult] stops after the
// current attempt instead of trying the next entry. Used when output of a
// failed call already reached the caller and a retry would duplicate it.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

type unrecoverableError struct{ err error }

func (u unrecoverableError) Error() string { return u.err.Error() }
func (u unrecoverableError) Unwrap() error { return u.err }

// ExecuteWithResult tries fn against each ready entry in order until one
// succeeds. Entries that are not ready or whose breaker is open are skipped.
// It returns [ErrAllFailed] wrapping the last error when every entry is
// unavailable, stops early with the provider's error when ctx is done, and
// unwraps and returns an [Unrecoverable] error without further attempts.
//
// This is a package-level function because Go methods cannot declare their
// own type parameters.
func ExecuteWithResult[T Provider, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if !entry.value.Ready() {
			fg.log.Debug("skipping provider that is not ready", "provider", entry.name)
			continue
		}

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}

		var unrec unrecoverableError
		if errors.As(err, &unrec) {
			return zero, unrec.err
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			fg.log.Debug("skipping provider with open circuit", "provider", entry.name)
		case ctx.Err() != nil:
			// The caller is gone; trying the next entry helps nobody.
			return zero, err
		default:
			fg.log.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	if lastErr == nil {
		return zero, fmt.Errorf("%w: no provider is ready", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
