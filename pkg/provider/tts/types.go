package tts

import (
	"context"
	"sync"
)

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Pipe is a Stream backed by a channel. Providers create one per synthesis,
// write PCM with Send from a single goroutine and finish with CloseWithError.
type Pipe struct {
	audio chan []byte
	rate  int

	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewPipe returns a Pipe that buffers up to buffer chunks.
func NewPipe(sampleRate, buffer int) *Pipe {
	return &Pipe{audio: make(chan []byte, buffer), rate: sampleRate}
}

// Audio implements Stream.
func (p *Pipe) Audio() <-chan []byte { return p.audio }

// SampleRate implements Stream.
func (p *Pipe) SampleRate() int { return p.rate }

// Err implements Stream.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Send delivers pcm unless ctx is done first. It reports whether pcm was
// delivered.
func (p *Pipe) Send(ctx context.Context, pcm []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case p.audio <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// CloseWithError records err, if non-nil, and closes the audio channel. Only
// the first call has an effect.
func (p *Pipe) CloseWithError(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.audio)
	})
}

var _ Stream = (*Pipe)(nil)
