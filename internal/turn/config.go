package turn

import (
	"errors"
	"fmt"
	"time"
)

// FallbackPolicy selects what happens after an adapter failure.
type FallbackPolicy string

const (
	// FallbackApology speaks Config.ApologyText through the synthesis
	// adapter, then returns to IDLE.
	FallbackApology FallbackPolicy = "apology"

	// FallbackSilent returns to IDLE without speaking.
	FallbackSilent FallbackPolicy = "silent"
)

// Config holds the per-call turn-taking parameters.
type Config struct {
	// MaxFinalWait is how long after SegmentEnd the controller waits for a
	// final transcript before forcing the utterance final.
	MaxFinalWait time.Duration `yaml:"max_final_wait"`

	// PrerollFrames is how many inbound frames before SegmentStart are
	// forwarded to recognition when a turn starts listening.
	PrerollFrames int `yaml:"preroll_frames"`

	// HistoryTokens bounds the estimated token count of past turns sent to
	// generation. Zero sends the whole history.
	HistoryTokens int `yaml:"history_tokens"`

	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`

	// Language is the recognition language hint.
	Language string `yaml:"language"`

	Fallback    FallbackPolicy `yaml:"fallback"`
	ApologyText string         `yaml:"apology_text"`

	// GenerationTimeout and SynthesisTimeout bound the time to first output
	// of the respective adapter. Zero disables the bound.
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	SynthesisTimeout  time.Duration `yaml:"synthesis_timeout"`

	// InboxSize is the capacity of the controller's event queue.
	InboxSize int `yaml:"inbox_size"`
}

// DefaultConfig returns conservative defaults for telephony.
func DefaultConfig() Config {
	return Config{
		MaxFinalWait:      time.Second,
		PrerollFrames:     10,
		HistoryTokens:     2000,
		Language:          "en-US",
		Fallback:          FallbackApology,
		ApologyText:       "Sorry, something went wrong on my side. Could you say that again?",
		GenerationTimeout: 5 * time.Second,
		SynthesisTimeout:  5 * time.Second,
		InboxSize:         64,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.MaxFinalWait <= 0 {
		errs = append(errs, errors.New("turn: max_final_wait must be positive"))
	}
	if c.PrerollFrames < 0 {
		errs = append(errs, errors.New("turn: preroll_frames must not be negative"))
	}
	if c.HistoryTokens < 0 {
		errs = append(errs, errors.New("turn: history_tokens must not be negative"))
	}
	switch c.Fallback {
	case FallbackApology:
		if c.ApologyText == "" {
			errs = append(errs, errors.New("turn: apology_text is required for the apology fallback"))
		}
	case FallbackSilent:
	default:
		errs = append(errs, fmt.Errorf("turn: unknown fallback policy %q", c.Fallback))
	}
	if c.GenerationTimeout < 0 || c.SynthesisTimeout < 0 {
		errs = append(errs, errors.New("turn: adapter timeouts must not be negative"))
	}
	if c.InboxSize <= 0 {
		errs = append(errs, errors.New("turn: inbox_size must be positive"))
	}
	return errors.Join(errs...)
}
