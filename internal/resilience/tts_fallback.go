package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across synthesis
// backends.
//
// The text channel can only be consumed by one backend, so failover happens
// only when a backend refuses the stream before reading from it.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group for health reporting.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// SynthesizeStream starts synthesis on the first backend that accepts it.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (tts.Stream, error) {
		s, err := p.SynthesizeStream(ctx, text, voice)
		if err == nil && s == nil {
			return nil, errors.New("resilience: synthesis returned no stream")
		}
		return s, err
	})
}

// ListVoices returns the voices of the first backend that answers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
