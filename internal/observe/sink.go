package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TransitionEvent is emitted for every turn state change.
type TransitionEvent struct {
	CallID string
	TurnID string
	From   string
	To     string
	At     time.Time

	// Elapsed is the time since the previous transition of the same call.
	Elapsed time.Duration
}

// TurnOutcome describes how a turn ended.
type TurnOutcome string

const (
	// OutcomeCompleted: the response was played out in full.
	OutcomeCompleted TurnOutcome = "completed"

	// OutcomeInterrupted: the caller barged in.
	OutcomeInterrupted TurnOutcome = "interrupted"

	// OutcomeFailed: an adapter failed and the fallback policy took over.
	OutcomeFailed TurnOutcome = "failed"

	// OutcomeDiscarded: nothing intelligible was said.
	OutcomeDiscarded TurnOutcome = "discarded"

	// OutcomeDrained: the call ended while the turn was active.
	OutcomeDrained TurnOutcome = "drained"
)

// TurnEvent is emitted once per finished turn.
type TurnEvent struct {
	CallID  string
	TurnID  string
	Outcome TurnOutcome

	// State is the state the turn was in when it ended.
	State string

	// Apology marks a fallback turn speaking the apology text.
	Apology bool

	// Stage names the failing adapter for OutcomeFailed.
	Stage string

	// Duration is the lifetime of the turn.
	Duration time.Duration

	// FirstAudio is the time from entering THINKING to the first queued
	// response frame. Zero if no audio was produced.
	FirstAudio time.Duration

	// Elapsed is the time since the previous transition of the same call.
	Elapsed time.Duration
}

// LifecycleKind is one of the call lifecycle events.
type LifecycleKind string

const (
	LifecycleStarted LifecycleKind = "started"
	LifecycleStopped LifecycleKind = "stopped"
	LifecycleFailed  LifecycleKind = "failed"
)

// Lifecycle reasons.
const (
	ReasonHangup         = "hangup"
	ReasonStop           = "stop"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonShutdown       = "shutdown"
	ReasonTransportError = "transport_error"
	ReasonInternal       = "internal"

	// ReasonSetup marks a call that failed before it started. No started
	// event precedes it.
	ReasonSetup = "setup"
)

// LifecycleEvent reports a call starting or ending.
type LifecycleEvent struct {
	CallID    string
	SessionID string
	Kind      LifecycleKind

	// Reason is a short machine-readable cause ("hangup", "idle_timeout",
	// "stop", "shutdown", "transport_error", ...).
	Reason string

	// Err is set for LifecycleFailed.
	Err error

	At time.Time

	// Duration is the call duration for stopped and failed events.
	Duration time.Duration
}

// Sink receives per-call telemetry. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Transition(ctx context.Context, ev TransitionEvent)
	TurnCompleted(ctx context.Context, ev TurnEvent)
	Lifecycle(ctx context.Context, ev LifecycleEvent)
}

// ─── LogSink ────────────────────────────────────────────────────────────────

// LogSink writes events to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink writing to l, or slog.Default() if l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

// Transition implements Sink.
func (s *LogSink) Transition(ctx context.Context, ev TransitionEvent) {
	s.log.DebugContext(ctx, "turn transition",
		"call_id", ev.CallID,
		"turn_id", ev.TurnID,
		"from", ev.From,
		"to", ev.To,
		"elapsed", ev.Elapsed,
	)
}

// TurnCompleted implements Sink.
func (s *LogSink) TurnCompleted(ctx context.Context, ev TurnEvent) {
	attrs := []any{
		"call_id", ev.CallID,
		"turn_id", ev.TurnID,
		"outcome", ev.Outcome,
		"state", ev.State,
		"duration", ev.Duration,
	}
	if ev.FirstAudio > 0 {
		attrs = append(attrs, "first_audio", ev.FirstAudio)
	}
	if ev.Stage != "" {
		attrs = append(attrs, "stage", ev.Stage)
	}
	if ev.Apology {
		attrs = append(attrs, "apology", true)
	}
	s.log.InfoContext(ctx, "turn finished", attrs...)
}

// Lifecycle implements Sink.
func (s *LogSink) Lifecycle(ctx context.Context, ev LifecycleEvent) {
	attrs := []any{"call_id", ev.CallID, "session_id", ev.SessionID, "reason", ev.Reason}
	if ev.Duration > 0 {
		attrs = append(attrs, "duration", ev.Duration)
	}
	switch ev.Kind {
	case LifecycleFailed:
		s.log.ErrorContext(ctx, "call failed", append(attrs, "err", ev.Err)...)
	case LifecycleStopped:
		s.log.InfoContext(ctx, "call stopped", attrs...)
	default:
		s.log.InfoContext(ctx, "call started", attrs...)
	}
}

// ─── MetricsSink ────────────────────────────────────────────────────────────

// MetricsSink records events as OpenTelemetry metrics.
type MetricsSink struct {
	m *Metrics
}

// NewMetricsSink returns a MetricsSink recording into m, or DefaultMetrics()
// if m is nil.
func NewMetricsSink(m *Metrics) *MetricsSink {
	if m == nil {
		m = DefaultMetrics()
	}
	return &MetricsSink{m: m}
}

// Transition implements Sink.
func (s *MetricsSink) Transition(ctx context.Context, ev TransitionEvent) {
	s.m.TransitionLatency.Record(ctx, ev.Elapsed.Seconds(),
		metric.WithAttributes(attribute.String("from", ev.From), attribute.String("to", ev.To)))
}

// TurnCompleted implements Sink.
func (s *MetricsSink) TurnCompleted(ctx context.Context, ev TurnEvent) {
	outcome := metric.WithAttributes(attribute.String("outcome", string(ev.Outcome)))
	s.m.Turns.Add(ctx, 1, outcome)
	s.m.TurnDuration.Record(ctx, ev.Duration.Seconds(), outcome)
	if ev.FirstAudio > 0 {
		s.m.FirstAudioLatency.Record(ctx, ev.FirstAudio.Seconds())
	}
	if ev.Outcome == OutcomeInterrupted {
		s.m.BargeIns.Add(ctx, 1)
	}
}

// Lifecycle implements Sink.
func (s *MetricsSink) Lifecycle(ctx context.Context, ev LifecycleEvent) {
	s.m.LifecycleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	switch ev.Kind {
	case LifecycleStarted:
		s.m.ActiveCalls.Add(ctx, 1)
	case LifecycleStopped, LifecycleFailed:
		if ev.Reason != ReasonSetup {
			s.m.ActiveCalls.Add(ctx, -1)
		}
	}
}

// ─── Multi ──────────────────────────────────────────────────────────────────

// Multi fans every event out to all sinks in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []Sink

func (m multiSink) Transition(ctx context.Context, ev TransitionEvent) {
	for _, s := range m {
		s.Transition(ctx, ev)
	}
}

func (m multiSink) TurnCompleted(ctx context.Context, ev TurnEvent) {
	for _, s := range m {
		s.TurnCompleted(ctx, ev)
	}
}

func (m multiSink) Lifecycle(ctx context.Context, ev LifecycleEvent) {
	for _, s := range m {
		s.Lifecycle(ctx, ev)
	}
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MetricsSink)(nil)
	_ Sink = multiSink(nil)
)
