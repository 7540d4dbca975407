package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ctx := context.Background()

	s.Transition(ctx, TransitionEvent{CallID: "c1", TurnID: "t1", From: "IDLE", To: "LISTENING", Elapsed: time.Second})
	s.TurnCompleted(ctx, TurnEvent{CallID: "c1", TurnID: "t1", Outcome: OutcomeFailed, Stage: "generation", Apology: true})
	s.Lifecycle(ctx, LifecycleEvent{CallID: "c1", Kind: LifecycleFailed, Reason: "transport_error", Err: errors.New("reset")})

	out := buf.String()
	for _, want := range []string{
		"turn transition", "from=IDLE", "to=LISTENING",
		"turn finished", "outcome=failed", "stage=generation", "apology=true",
		"call failed", "reason=transport_error", "err=reset",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsSink(t *testing.T) {
	m, reader := newTestMetrics(t)
	s := NewMetricsSink(m)
	ctx := context.Background()

	s.Lifecycle(ctx, LifecycleEvent{Kind: LifecycleStarted})
	s.Lifecycle(ctx, LifecycleEvent{Kind: LifecycleStarted})
	s.Lifecycle(ctx, LifecycleEvent{Kind: LifecycleStopped})
	s.Transition(ctx, TransitionEvent{From: "IDLE", To: "LISTENING", Elapsed: 50 * time.Millisecond})
	s.TurnCompleted(ctx, TurnEvent{Outcome: OutcomeInterrupted, Duration: time.Second})
	s.TurnCompleted(ctx, TurnEvent{Outcome: OutcomeCompleted, Duration: time.Second, FirstAudio: 300 * time.Millisecond})

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "switchboard.active_calls", "", ""); got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "switchboard.call.lifecycle", "kind", "started"); got != 2 {
		t.Errorf("started events = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "switchboard.barge_ins", "", ""); got != 1 {
		t.Errorf("barge-ins = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "switchboard.turns", "outcome", "completed"); got != 1 {
		t.Errorf("completed turns = %d, want 1", got)
	}
	if findMetric(rm, "switchboard.turn.first_audio.latency") == nil {
		t.Error("first audio latency not recorded")
	}
}

type countingSink struct{ transitions, turns, lifecycle int }

func (c *countingSink) Transition(context.Context, TransitionEvent) { c.transitions++ }
func (c *countingSink) TurnCompleted(context.Context, TurnEvent) { c.turns++ }
func (c *countingSink) Lifecycle(context.Context, LifecycleEvent) { c.lifecycle++ }

func TestMulti(t *testing.T) {
	t.Parallel()

	a, b := &countingSink{}, &countingSink{}
	s := Multi(a, nil, b)
	ctx := context.Background()
	s.Transition(ctx, TransitionEvent{})
	s.TurnCompleted(ctx, TurnEvent{})
	s.Lifecycle(ctx, LifecycleEvent{})

	for i, c := range []*countingSink{a, b} {
		if c.transitions != 1 || c.turns != 1 || c.lifecycle != 1 {
			t.Errorf("sink %d = %+v, want one of each", i, *c)
		}
	}
}
