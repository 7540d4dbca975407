// Package stt defines the Provider interface for speech recognition backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: the turn controller opens one session per listening turn,
// feeds it internal PCM frames and reads two streams of Transcript values:
// low-latency partials and authoritative finals.
//
// Implementations must be safe for concurrent use. Once Close has been called a
// session must not deliver further transcripts; the caller discards anything it
// still finds on the channels.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio and Finalize after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. The pipeline always sends its
	// internal rate (16 kHz by default).
	SampleRate int

	// Channels is the number of audio channels. Telephony audio is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider choose its default.
	Language string

	// Keywords is a list of vocabulary hints that raise the recognition
	// probability of uncommon words such as product or branch names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of little-endian 16-bit PCM to the provider.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Finalize asks the provider to commit whatever it has heard so far as a
	// final transcript. The caller uses it when speech activity has ended so the
	// final arrives without waiting for the provider's own endpointing.
	Finalize() error

	// Partials returns a read-only channel of interim transcripts. It is closed
	// when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of final transcripts. It is closed when
	// the session ends.
	Finals() <-chan Transcript

	// Err reports why the session ended. It returns nil while the session is
	// running and after an orderly Close.
	Err() error

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Many sessions may be open at
// once, one per active call.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, or ctx already cancelled). Cancelling
	// ctx later ends the session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
