package stt

import "time"

// Transcript is a recognition result. Partial and final results share the type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report it.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks where the result starts, relative to session start.
	Timestamp time.Duration

	// Duration is the length of audio the result covers.
	Duration time.Duration
}

// WordDetail holds per-word metadata from providers that report it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a recognition hint.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
