// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier and surfaces it as a
// stateful, per-stream session. Each session keeps its own state so concurrent
// calls are processed independently. The speech gate consumes the per-frame
// probability and applies its own smoothing and duration filters on top.
//
// VAD is synchronous: ProcessFrame returns immediately with a result, so the
// classification for a frame is available before the next frame arrives.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "errors"

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech run is
	// considered ended. Must be ≤ SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("vad: frame size must be positive"))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be within [0, 1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be within [0, speech threshold]"))
	}
	return errors.Join(errs...)
}

// FrameBytes is the size in bytes of one 16-bit mono frame under c.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream.
// Reset clears detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single frame of little-endian 16-bit mono PCM
	// at the configured SampleRate and FrameSizeMs. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
