// Package pipeline is the call orchestrator. For every call it wires one
// independent graph of transport, codec, speech gate, turn controller and
// playout queue, runs it, and releases it when the call ends.
//
// A call ends when the remote side hangs up, when [Orchestrator.Stop] or
// [Orchestrator.Shutdown] is called, when the transport fails, or when
// nothing happens on it for [CallConfig.IdleTimeout]. Every call that starts
// emits one started lifecycle event and exactly one stopped or failed event.
//
// Calls share nothing mutable with each other. The only shared state is the
// orchestrator's registry of running calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/internal/turn"
	"github.com/MrWong99/switchboard/pkg/audio"
)

var (
	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("pipeline: orchestrator is shut down")

	// ErrTooManyCalls is returned by Start when the call limit is reached.
	ErrTooManyCalls = errors.New("pipeline: call limit reached")

	// ErrDuplicateCall is returned by Start for a call id that is already
	// running.
	ErrDuplicateCall = errors.New("pipeline: call already active")
)

// Cancellation causes for the stopped outcomes.
var (
	errHangup      = errors.New("pipeline: remote hangup")
	errStopped     = errors.New("pipeline: stopped")
	errIdleTimeout = errors.New("pipeline: idle timeout")
	errShutdown    = errors.New("pipeline: shutdown")
)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSink sets the telemetry sink every call reports to.
func WithSink(s observe.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithMaxCalls limits the number of concurrent calls. Zero means unlimited.
func WithMaxCalls(n int) Option {
	return func(o *Orchestrator) { o.maxCalls = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator starts and tracks call pipelines. All methods are safe for
// concurrent use.
type Orchestrator struct {
	adapters Adapters
	sink     observe.Sink
	metrics  *observe.Metrics
	log      *slog.Logger
	maxCalls int

	mu     sync.Mutex
	calls  map[string]*Handle
	closed bool
}

// New returns an Orchestrator that wires calls to adapters unless a call's
// configuration overrides them.
func New(adapters Adapters, opts ...Option) (*Orchestrator, error) {
	if err := adapters.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		adapters: adapters,
		log:      slog.Default(),
		calls:    make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = observe.Multi()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Active returns the number of running calls.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// SetMaxCalls changes the concurrent call limit for calls started from now
// on. Running calls are never stopped by it.
func (o *Orchestrator) SetMaxCalls(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxCalls = n
}

// Start builds the pipeline for callID on top of tr and starts it. Start owns
// tr from here on: it is closed when the call ends or when Start fails.
//
// ctx bounds the setup only; its values (trace context) are inherited by the
// call but its cancellation is not. End the call with [Orchestrator.Stop].
func (o *Orchestrator) Start(ctx context.Context, callID string, cfg CallConfig, tr audio.Transport) (*Handle, error) {
	if tr == nil {
		return nil, errors.New("pipeline: transport is required")
	}
	h := &Handle{CallID: callID, done: make(chan struct{})}
	if err := o.reserve(h); err != nil {
		_ = tr.Close()
		return nil, err
	}

	c, err := o.build(ctx, h, cfg, tr)
	if err != nil {
		o.release(h)
		_ = tr.Close()
		h.end(observe.ReasonSetup, err)
		o.sink.Lifecycle(context.WithoutCancel(ctx), observe.LifecycleEvent{
			CallID: callID,
			Kind:   observe.LifecycleFailed,
			Reason: observe.ReasonSetup,
			Err:    err,
			At:     time.Now(),
		})
		close(h.done)
		return nil, fmt.Errorf("pipeline: start %s: %w", callID, err)
	}

	c.launch()
	return h, nil
}

// Stop ends the call and waits until its resources are released. Stopping a
// call that already ended is a no-op.
func (o *Orchestrator) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.stop(errStopped)
	<-h.done
}

// Shutdown stops every running call and rejects new ones. It returns when all
// calls are released or ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	calls := make([]*Handle, 0, len(o.calls))
	for _, h := range o.calls {
		calls = append(calls, h)
	}
	o.mu.Unlock()

	for _, h := range calls {
		h.stop(errShutdown)
	}
	for _, h := range calls {
		select {
		case <-h.done:
		case <-ctx.Done():
			return fmt.Errorf("pipeline: shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (o *Orchestrator) reserve(h *Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return ErrShutdown
	case o.calls[h.CallID] != nil:
		return fmt.Errorf("%w: %s", ErrDuplicateCall, h.CallID)
	case o.maxCalls > 0 && len(o.calls) >= o.maxCalls:
		return ErrTooManyCalls
	}
	o.calls[h.CallID] = h
	return nil
}

func (o *Orchestrator) release(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls[h.CallID] == h {
		delete(o.calls, h.CallID)
	}
}

// ─── Handle ─────────────────────────────────────────────────────────────────

// Handle refers to one started call.
type Handle struct {
	CallID    string
	SessionID string
	StartedAt time.Time

	ctrl *turn.Controller
	sess *session.Context
	done chan struct{}

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	pending error
	reason  string
	err     error
}

// Done is closed once the call has ended and released its resources.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the call ends or ctx is done. It returns the failure
// cause of a failed call and nil for a stopped one.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns why the call failed, or nil while it runs or if it stopped.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Reason returns the lifecycle reason the call ended with, or "" while it
// runs.
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// State returns the call's current turn state.
func (h *Handle) State() turn.State { return h.ctrl.State() }

// History returns a snapshot of the call's conversation so far.
func (h *Handle) History() session.Snapshot { return h.sess.Snapshot() }

// stop cancels the call with cause. A call still being built is cancelled as
// soon as it is armed.
func (h *Handle) stop(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		if h.pending == nil {
			h.pending = cause
		}
		return
	}
	h.cancel(cause)
}

func (h *Handle) arm(cancel context.CancelCauseFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.pending != nil {
		cancel(h.pending)
	}
}

func (h *Handle) end(reason string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reason = reason
	h.err = err
}
