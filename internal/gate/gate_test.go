package gate

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	vadmock "github.com/MrWong99/switchboard/pkg/provider/vad/mock"
)

const frameInterval = 20 * time.Millisecond

// scored builds a 20 ms internal frame whose first byte carries the score the
// mock classifier reports for it, in percent.
func scored(seq int, score float64) audio.AudioFrame {
	data := make([]byte, 640)
	data[0] = byte(score * 100)
	return audio.AudioFrame{
		Data:       data,
		SampleRate: 16000,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
		Seq:        uint64(seq),
		Timestamp:  time.Duration(seq) * frameInterval,
	}
}

func scoreSession() *vadmock.Session {
	return &vadmock.Session{ProbabilityFunc: func(frame []byte) float64 {
		return float64(frame[0]) / 100
	}}
}

func newGate(t *testing.T, cfg Config, opts ...Option) *Gate {
	t.Helper()
	g, err := New(cfg, scoreSession(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func testConfig() Config {
	return Config{
		Threshold:  0.5,
		MinSpeech:  60 * time.Millisecond,
		MinSilence: 100 * time.Millisecond,
		Window:     1,
	}
}

// feed runs scores through g and returns the emitted events.
func feed(g *Gate, start int, scores ...float64) []Event {
	var out []Event
	for i, s := range scores {
		if ev, ok := g.Process(scored(start+i, s)); ok {
			out = append(out, ev)
		}
	}
	return out
}

func repeat(score float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = score
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig invalid: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Threshold = 1.2 }},
		{"negative min speech", func(c *Config) { c.MinSpeech = -1 }},
		{"zero min silence", func(c *Config) { c.MinSilence = 0 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"budget without frames", func(c *Config) { c.SlowFrames = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSilenceOnly(t *testing.T) {
	t.Parallel()

	g := newGate(t, testConfig())
	if evs := feed(g, 0, repeat(0.1, 200)...); len(evs) != 0 {
		t.Fatalf("got %d events for silence, want 0", len(evs))
	}
	if _, ok := g.Close(200 * frameInterval); ok {
		t.Error("Close emitted an event with no open segment")
	}
}

func TestSpeechThenSilence(t *testing.T) {
	t.Parallel()

	g := newGate(t, testConfig())
	scores := append(repeat(0, 5), repeat(0.9, 10)...)
	scores = append(scores, repeat(0, 10)...)
	evs := feed(g, 0, scores...)

	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(evs), evs)
	}
	start, end := evs[0], evs[1]
	if start.Type != SegmentStart || start.SegmentID != 1 {
		t.Errorf("first event = %+v, want SegmentStart #1", start)
	}
	// Start is stamped with the first speech frame, not the frame that
	// satisfied MinSpeech.
	if start.Start != 5*frameInterval {
		t.Errorf("Start = %v, want %v", start.Start, 5*frameInterval)
	}
	if end.Type != SegmentEnd || end.SegmentID != 1 {
		t.Errorf("second event = %+v, want SegmentEnd #1", end)
	}
	if end.End != 15*frameInterval {
		t.Errorf("End = %v, want %v", end.End, 15*frameInterval)
	}
	if start.Confidence < 0.89 || start.Confidence > 0.91 {
		t.Errorf("Confidence = %v, want 0.9", start.Confidence)
	}
}

func TestShortBlipSuppressed(t *testing.T) {
	t.Parallel()

	g := newGate(t, testConfig())
	scores := append(repeat(0.9, 2), repeat(0, 10)...)
	if evs := feed(g, 0, scores...); len(evs) != 0 {
		t.Fatalf("2-frame blip produced events: %+v", evs)
	}
}

func TestShortPauseKeepsSegmentOpen(t *testing.T) {
	t.Parallel()

	g := newGate(t, testConfig())
	scores := append(repeat(0.9, 5), repeat(0, 3)...)
	scores = append(scores, repeat(0.9, 5)...)
	evs := feed(g, 0, scores...)
	if len(evs) != 1 || evs[0].Type != SegmentStart {
		t.Fatalf("events = %+v, want a single SegmentStart", evs)
	}
	if !g.Open() {
		t.Error("segment closed by a pause shorter than MinSilence")
	}
}

func TestThresholdInclusive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		score float64
		want  bool
	}{
		{"exactly at threshold", 0.6, true},
		{"one unit below", 0.59, false},
		{"above", 0.7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Threshold = 0.6
			cfg.MinSpeech = 0
			g := newGate(t, cfg)
			_, ok := g.Process(scored(0, tt.score))
			if ok != tt.want {
				t.Errorf("score %v: SegmentStart = %v, want %v", tt.score, ok, tt.want)
			}
		})
	}
}

func TestRollingWindowSmoothes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Window = 4
	cfg.MinSpeech = 0
	g := newGate(t, cfg)

	// A single loud frame among silence never lifts the mean to 0.5.
	if evs := feed(g, 0, 0, 0, 0, 1, 0, 0, 0); len(evs) != 0 {
		t.Fatalf("isolated spike produced events: %+v", evs)
	}
}

func TestCloseEndsOpenSegment(t *testing.T) {
	t.Parallel()

	g := newGate(t, testConfig())
	feed(g, 0, repeat(0.9, 5)...)
	ev, ok := g.Close(time.Second)
	if !ok || ev.Type != SegmentEnd || ev.End != time.Second {
		t.Fatalf("Close = %+v, %v", ev, ok)
	}
	if _, ok := g.Close(time.Second); ok {
		t.Error("second Close emitted another SegmentEnd")
	}
}

func TestMissingFramesCountAsSilence(t *testing.T) {
	t.Parallel()

	g := newGate(t, testConfig())
	feed(g, 0, repeat(0.9, 5)...)
	var got []Event
	for i := range 5 {
		f := scored(5+i, 0.9)
		f.Missing = true
		if ev, ok := g.Process(f); ok {
			got = append(got, ev)
		}
	}
	if len(got) != 1 || got[0].Type != SegmentEnd {
		t.Fatalf("events = %+v, want one SegmentEnd", got)
	}
}

func TestNeverEndWithoutStart(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	g := newGate(t, testConfig())
	open := false
	var lastStart time.Duration = -1
	for i := range 5000 {
		ev, ok := g.Process(scored(i, rng.Float64()))
		if !ok {
			continue
		}
		switch ev.Type {
		case SegmentStart:
			if open {
				t.Fatalf("frame %d: SegmentStart while a segment is open", i)
			}
			if ev.Start <= lastStart {
				t.Fatalf("frame %d: start %v not after previous %v", i, ev.Start, lastStart)
			}
			open, lastStart = true, ev.Start
		case SegmentEnd:
			if !open {
				t.Fatalf("frame %d: SegmentEnd without SegmentStart", i)
			}
			open = false
		}
	}
}

func TestDegradesToFallback(t *testing.T) {
	t.Parallel()

	slow := scoreSession()
	slow.Delay = 3 * time.Millisecond
	fallback := scoreSession()
	degraded := 0

	cfg := testConfig()
	cfg.SlowFrameBudget = time.Millisecond
	cfg.SlowFrames = 2
	g, err := New(cfg, slow, WithFallback(fallback), WithOnDegraded(func() { degraded++ }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	feed(g, 0, repeat(0, 5)...)
	if !g.Degraded() || degraded != 1 {
		t.Fatalf("Degraded = %v, callbacks = %d", g.Degraded(), degraded)
	}
	if slow.FrameCount() != 2 {
		t.Errorf("slow classifier saw %d frames, want 2", slow.FrameCount())
	}
	if fallback.FrameCount() != 3 {
		t.Errorf("fallback saw %d frames, want 3", fallback.FrameCount())
	}
}

func TestClassifierErrorScoresSilence(t *testing.T) {
	t.Parallel()

	sess := scoreSession()
	sess.ProcessFrameErr = errors.New("model crashed")
	cfg := testConfig()
	cfg.MinSpeech = 0
	g, _ := New(cfg, sess)
	if evs := feed(g, 0, repeat(0.9, 10)...); len(evs) != 0 {
		t.Fatalf("failing classifier produced events: %+v", evs)
	}
}
