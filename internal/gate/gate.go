// Package gate turns a call's inbound PCM into speech segment boundaries.
//
// A [Gate] scores every frame with a [vad.SessionHandle], smooths the scores
// over a short rolling window and applies minimum-duration filters for both
// speech and silence. It is the only place where false-positive speech is
// suppressed; the turn controller acts on every SegmentStart it receives.
//
// A Gate is owned by the call's ingress goroutine and is not safe for
// concurrent use.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// EventType distinguishes segment boundaries.
type EventType int

const (
	// SegmentStart marks the beginning of a speech segment.
	SegmentStart EventType = iota + 1

	// SegmentEnd marks the end of the most recently started segment.
	SegmentEnd
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case SegmentStart:
		return "segment_start"
	case SegmentEnd:
		return "segment_end"
	default:
		return "unknown"
	}
}

// Event is a speech segment boundary.
type Event struct {
	Type EventType

	// SegmentID increases by one per segment within a call, starting at 1.
	SegmentID uint64

	// Start is the timestamp of the first speech frame of the segment.
	Start time.Duration

	// End is the timestamp at which trailing silence began. Zero for
	// SegmentStart.
	End time.Duration

	// Confidence is the mean smoothed score of the speech frames seen so far.
	Confidence float64
}

// Config holds the gate thresholds.
type Config struct {
	// Threshold is the smoothed score at or above which a frame counts as
	// speech.
	Threshold float64 `yaml:"threshold"`

	// MinSpeech is how long speech must last before SegmentStart is emitted.
	MinSpeech time.Duration `yaml:"min_speech"`

	// MinSilence is how long silence must last before SegmentEnd is emitted.
	MinSilence time.Duration `yaml:"min_silence"`

	// Window is the number of frames in the rolling score mean.
	Window int `yaml:"window"`

	// SlowFrameBudget is the classification time above which a frame counts
	// as slow. Zero disables degraded mode.
	SlowFrameBudget time.Duration `yaml:"slow_frame_budget"`

	// SlowFrames is the number of consecutive slow frames that switch the
	// gate to its fallback classifier.
	SlowFrames int `yaml:"slow_frames"`
}

// DefaultConfig returns thresholds suited to 20 ms telephony frames.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.5,
		MinSpeech:       60 * time.Millisecond,
		MinSilence:      400 * time.Millisecond,
		Window:          3,
		SlowFrameBudget: 10 * time.Millisecond,
		SlowFrames:      5,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("gate: threshold %v out of range [0, 1]", c.Threshold))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, errors.New("gate: min_speech must not be negative"))
	}
	if c.MinSilence <= 0 {
		errs = append(errs, errors.New("gate: min_silence must be positive"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("gate: window must be positive"))
	}
	if c.SlowFrameBudget < 0 {
		errs = append(errs, errors.New("gate: slow_frame_budget must not be negative"))
	}
	if c.SlowFrameBudget > 0 && c.SlowFrames <= 0 {
		errs = append(errs, errors.New("gate: slow_frames must be positive when slow_frame_budget is set"))
	}
	return errors.Join(errs...)
}

// Option configures a Gate.
type Option func(*Gate)

// WithFallback sets the classifier the gate switches to when the primary one
// cannot keep pace. Without a fallback the gate keeps the primary classifier.
func WithFallback(h vad.SessionHandle) Option {
	return func(g *Gate) { g.fallback = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithOnDegraded registers a callback invoked once when the gate switches to
// its fallback classifier.
func WithOnDegraded(fn func()) Option {
	return func(g *Gate) { g.onDegraded = fn }
}

// Gate converts scored frames into segment events.
type Gate struct {
	cfg        Config
	classifier vad.SessionHandle
	fallback   vad.SessionHandle
	log        *slog.Logger
	onDegraded func()

	scores []float64 // ring of the last Window scores
	next   int
	filled int

	open       bool
	segmentID  uint64
	segStart   time.Duration
	speechRun  time.Duration
	runStart   time.Duration
	silenceRun time.Duration
	confSum    float64
	confN      int

	slow      int
	degraded  bool
	warnedErr bool
}

// New returns a Gate scoring frames with classifier.
func New(cfg Config, classifier vad.SessionHandle, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, errors.New("gate: classifier must not be nil")
	}
	g := &Gate{
		cfg:        cfg,
		classifier: classifier,
		log:        slog.Default(),
		scores:     make([]float64, cfg.Window),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Degraded reports whether the gate has switched to its fallback classifier.
func (g *Gate) Degraded() bool { return g.degraded }

// Open reports whether a segment is in progress.
func (g *Gate) Open() bool { return g.open }

// Process scores one internal PCM frame and returns a boundary event if the
// frame completes one. Frames marked Missing count as silence.
func (g *Gate) Process(frame audio.AudioFrame) (Event, bool) {
	score := 0.0
	if !frame.Missing {
		score = g.classify(frame.Data)
	}
	mean := g.push(score)
	speech := mean >= g.cfg.Threshold
	d := frame.Duration()

	if !g.open {
		if !speech {
			g.speechRun = 0
			return Event{}, false
		}
		if g.speechRun == 0 {
			g.runStart = frame.Timestamp
			g.confSum, g.confN = 0, 0
		}
		g.speechRun += d
		g.confSum += mean
		g.confN++
		if g.speechRun < g.cfg.MinSpeech {
			return Event{}, false
		}
		g.open = true
		g.segmentID++
		g.segStart = g.runStart
		g.silenceRun = 0
		return Event{
			Type:       SegmentStart,
			SegmentID:  g.segmentID,
			Start:      g.segStart,
			Confidence: g.confidence(),
		}, true
	}

	if speech {
		g.silenceRun = 0
		g.confSum += mean
		g.confN++
		return Event{}, false
	}
	g.silenceRun += d
	if g.silenceRun < g.cfg.MinSilence {
		return Event{}, false
	}
	return g.end(frame.Timestamp + d - g.silenceRun), true
}

// Close ends a segment still open at the end of the call. It reports false if
// no segment is open, so calling it twice is harmless.
func (g *Gate) Close(ts time.Duration) (Event, bool) {
	if !g.open {
		return Event{}, false
	}
	return g.end(ts), true
}

func (g *Gate) end(ts time.Duration) Event {
	if ts < g.segStart {
		ts = g.segStart
	}
	ev := Event{
		Type:       SegmentEnd,
		SegmentID:  g.segmentID,
		Start:      g.segStart,
		End:        ts,
		Confidence: g.confidence(),
	}
	g.open = false
	g.speechRun = 0
	g.silenceRun = 0
	return ev
}

func (g *Gate) confidence() float64 {
	if g.confN == 0 {
		return 0
	}
	return g.confSum / float64(g.confN)
}

// push adds score to the rolling window and returns the window mean.
func (g *Gate) push(score float64) float64 {
	g.scores[g.next] = score
	g.next = (g.next + 1) % len(g.scores)
	if g.filled < len(g.scores) {
		g.filled++
	}
	var sum float64
	for i := range g.filled {
		sum += g.scores[i]
	}
	return sum / float64(g.filled)
}

// classify runs the active classifier and tracks its latency. A classifier
// error scores the frame as silence.
func (g *Gate) classify(pcm []byte) float64 {
	start := time.Now()
	ev, err := g.classifier.ProcessFrame(pcm)
	elapsed := time.Since(start)

	if !g.degraded && g.fallback != nil && g.cfg.SlowFrameBudget > 0 {
		if elapsed > g.cfg.SlowFrameBudget {
			g.slow++
		} else {
			g.slow = 0
		}
		if g.slow >= g.cfg.SlowFrames {
			g.degraded = true
			g.classifier = g.fallback
			g.log.Warn("speech gate degraded to fallback classifier",
				"slow_frames", g.slow, "last_latency", elapsed, "budget", g.cfg.SlowFrameBudget)
			if g.onDegraded != nil {
				g.onDegraded()
			}
		}
	}

	if err != nil {
		if !g.warnedErr {
			g.warnedErr = true
			g.log.Warn("speech classifier error, scoring as silence", "err", err)
		}
		return 0
	}
	return ev.Probability
}
