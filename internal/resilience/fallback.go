package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/switchboard/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was skipped by an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind labels the adapter kind ("stt", "llm", "tts") in logs and metrics.
	Kind string

	// CircuitBreaker is the template for each entry's breaker. Its Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Metrics, if set, counts every attempt by provider and status.
	Metrics *observe.Metrics
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is the breaker state of one entry.
type EntryStatus struct {
	Name  string
	State State
}

// FallbackGroup holds a primary and zero or more fallback instances of one
// provider type, each behind its own [CircuitBreaker]. Entries are tried in
// registration order.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback entry.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Healthy reports whether at least one entry would currently accept a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for i := range fg.entries {
		if fg.entries[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Status returns the breaker state of every entry in order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i := range fg.entries {
		out[i] = EntryStatus{Name: fg.entries[i].name, State: fg.entries[i].breaker.State()}
	}
	return out
}

// Execute tries fn against each entry until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns its result. Entries whose breaker is open are skipped. Once ctx is
// done no further entry is tried and ctx's error is returned.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var result R
		err := e.breaker.Execute(func() error {
			var ierr error
			result, ierr = fn(e.value)
			return ierr
		})
		switch {
		case err == nil:
			fg.record(ctx, e.name, "ok")
			return result, nil
		case errors.Is(err, ErrCircuitOpen):
			fg.record(ctx, e.name, "skipped")
			slog.Debug("resilience: skipping provider, circuit open", "kind", fg.cfg.Kind, "provider", e.name)
		case ctx.Err() != nil:
			return zero, err
		default:
			fg.record(ctx, e.name, "error")
			slog.Warn("resilience: provider failed, trying next", "kind", fg.cfg.Kind, "provider", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllFailed, fg.cfg.Kind, errors.Join(errs...))
}

func (fg *FallbackGroup[T]) record(ctx context.Context, provider, status string) {
	if fg.cfg.Metrics != nil {
		fg.cfg.Metrics.RecordProviderRequest(ctx, provider, fg.cfg.Kind, status)
	}
}
