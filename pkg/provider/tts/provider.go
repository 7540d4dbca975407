// Package tts defines the Provider interface for speech synthesis backends.
//
// A TTS provider wraps a synthesis service (e.g., ElevenLabs or a local Coqui
// server) and presents a uniform streaming interface. SynthesizeStream accepts
// a channel of text fragments and returns a Stream whose audio channel yields
// 16-bit mono PCM as soon as it is synthesised, so the turn controller can
// start playback while generation is still running.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Stream is one running synthesis.
type Stream interface {
	// Audio yields little-endian 16-bit mono PCM at SampleRate. The channel is
	// closed when all text has been synthesised, on failure, or when the
	// context passed to SynthesizeStream is cancelled.
	Audio() <-chan []byte

	// SampleRate is the rate of the PCM on Audio in Hz.
	SampleRate() int

	// Err reports why the stream ended early. It must only be relied upon after
	// Audio has been closed and returns nil for a complete synthesis and for a
	// cancelled one.
	Err() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// synthesises them in order. The caller must drain Stream.Audio or cancel
	// ctx.
	//
	// Returns a non-nil error only if the stream cannot be started (for
	// example an unknown voice or a failed connection).
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (Stream, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
