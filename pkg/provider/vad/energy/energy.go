// Package energy implements a vad.Engine that classifies frames by their
// signal level. It needs no model and no cgo, which makes it the fallback the
// speech gate degrades to when a heavier classifier cannot keep pace.
//
// The RMS level of each frame is converted to dBFS and mapped linearly onto a
// probability between a floor (probability 0) and a ceiling (probability 1).
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

const (
	defaultFloorDB = -60.0
	defaultCeilDB  = -20.0
	fullScale      = 32768.0
)

// Option configures an Engine.
type Option func(*Engine)

// WithRange sets the dBFS levels that map to probability 0 and 1.
func WithRange(floorDB, ceilDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilDB = ceilDB
	}
}

// Engine creates energy-based sessions. It is safe for concurrent use.
type Engine struct {
	floorDB float64
	ceilDB  float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floorDB: defaultFloorDB, ceilDB: defaultCeilDB}
	for _, o := range opts {
		o(e)
	}
	if e.ceilDB <= e.floorDB {
		return nil, fmt.Errorf("energy: ceiling %.1f dBFS must be above floor %.1f dBFS", e.ceilDB, e.floorDB)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{engine: e, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

// Probability maps a frame of 16-bit PCM to a speech probability.
func (e *Engine) Probability(pcm []byte) float64 {
	rms := audio.RMS(pcm)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms/fullScale)
	p := (db - e.floorDB) / (e.ceilDB - e.floorDB)
	return math.Max(0, math.Min(1, p))
}

type session struct {
	engine     *Engine
	cfg        vad.Config
	frameBytes int

	mu       sync.Mutex
	speaking bool
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := s.engine.Probability(frame)
	ev := vad.VADEvent{Probability: p}
	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = vad.VADSpeechStart
	case s.speaking && p < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = vad.VADSpeechEnd
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
