package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/switchboard/internal/gate"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/internal/turn"
	"github.com/MrWong99/switchboard/pkg/audio/codec"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// DefaultIdleTimeout ends calls that have been silent and idle for this long.
const DefaultIdleTimeout = 30 * time.Second

// Adapters is the closed set of providers a call is wired to. It is chosen
// once when the call starts and never changes while it runs.
type Adapters struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// VAD scores inbound frames for the speech gate. Nil selects the energy
	// classifier, which then also has no fallback.
	VAD vad.Engine

	// Names identifies the providers in the session context and in metrics.
	Names session.Providers
}

func (a Adapters) validate() error {
	var errs []error
	if a.STT == nil {
		errs = append(errs, errors.New("pipeline: stt adapter is required"))
	}
	if a.LLM == nil {
		errs = append(errs, errors.New("pipeline: llm adapter is required"))
	}
	if a.TTS == nil {
		errs = append(errs, errors.New("pipeline: tts adapter is required"))
	}
	return errors.Join(errs...)
}

// CallConfig is the per-call configuration snapshot. A running call keeps the
// snapshot it was started with.
type CallConfig struct {
	Codec codec.Config
	Gate  gate.Config
	Turn  turn.Config

	// IdleTimeout ends a call that sees neither an inbound frame nor a turn
	// transition for this long.
	IdleTimeout time.Duration

	// MaxGap caps the placeholder frames inserted for a single sequence
	// jump. Zero selects audio.DefaultMaxGap.
	MaxGap int

	// PlayoutCapacity bounds the queued outbound frames. Zero selects
	// playout.DefaultCapacity.
	PlayoutCapacity int

	Voice tts.VoiceProfile

	// Adapters, if set, replaces the orchestrator's adapters for this call.
	Adapters *Adapters
}

// DefaultCallConfig returns μ-law telephony defaults.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		Codec:       codec.DefaultConfig(),
		Gate:        gate.DefaultConfig(),
		Turn:        turn.DefaultConfig(),
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Validate reports every problem with c.
func (c CallConfig) Validate() error {
	errs := []error{c.Codec.Validate(), c.Gate.Validate(), c.Turn.Validate()}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline: idle_timeout must be positive, got %s", c.IdleTimeout))
	}
	if c.Codec.FrameInterval > 0 && c.Codec.FrameInterval%time.Millisecond != 0 {
		errs = append(errs, fmt.Errorf("pipeline: frame interval %s is not a whole number of milliseconds", c.Codec.FrameInterval))
	}
	if c.MaxGap < 0 {
		errs = append(errs, errors.New("pipeline: max_gap must not be negative"))
	}
	if c.PlayoutCapacity < 0 {
		errs = append(errs, errors.New("pipeline: playout_capacity must not be negative"))
	}
	if c.Adapters != nil {
		errs = append(errs, c.Adapters.validate())
	}
	return errors.Join(errs...)
}
