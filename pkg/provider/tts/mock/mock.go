// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{make([]byte, 640), make([]byte, 640)},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	s, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Text holds the fragments read from the text channel so far.
	Text []string
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
//
// Each stream reads the text channel to completion. SynthesizeChunks are
// emitted once the first fragment arrives; a stream that receives no text
// emits nothing.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of PCM chunks emitted per stream.
	SynthesizeChunks [][]byte

	// ChunkDelay is slept before each chunk is emitted.
	ChunkDelay time.Duration

	// SampleRate is reported by each stream. Zero means 16000.
	SampleRate int

	// Hold keeps each stream open after its chunks until ctx is cancelled.
	Hold bool

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead of
	// starting a stream.
	SynthesizeErr error

	// StreamErr, if non-nil, ends every stream with this error after its
	// chunks have been emitted.
	StreamErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	synthesizeCalls []SynthesizeStreamCall
	listVoicesCalls []ListVoicesCall
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// stream driven by the configured fields.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	p.mu.Lock()
	idx := len(p.synthesizeCalls)
	p.synthesizeCalls = append(p.synthesizeCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	rate := p.SampleRate
	if rate == 0 {
		rate = 16000
	}
	delay, hold, streamErr := p.ChunkDelay, p.Hold, p.StreamErr
	p.mu.Unlock()

	pipe := tts.NewPipe(rate, len(chunks)+1)
	go func() {
		emitted := false
		emit := func() bool {
			emitted = true
			for _, c := range chunks {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return false
					}
				}
				if !pipe.Send(ctx, c) {
					return false
				}
			}
			return true
		}

	read:
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					break read
				}
				p.mu.Lock()
				p.synthesizeCalls[idx].Text = append(p.synthesizeCalls[idx].Text, fragment)
				p.mu.Unlock()
				if !emitted && !emit() {
					pipe.CloseWithError(nil)
					return
				}
			case <-ctx.Done():
				pipe.CloseWithError(nil)
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
		if ctx.Err() != nil {
			streamErr = nil
		}
		pipe.CloseWithError(streamErr)
	}()
	return pipe, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listVoicesCalls = append(p.listVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// SynthesizeStreamCalls returns a copy of every SynthesizeStream call in
// order.
func (p *Provider) SynthesizeStreamCalls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.synthesizeCalls))
	for i, c := range p.synthesizeCalls {
		c.Text = append([]string(nil), c.Text...)
		out[i] = c
	}
	return out
}

// ListVoicesCalls returns a copy of every ListVoices call in order.
func (p *Provider) ListVoicesCalls() []ListVoicesCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ListVoicesCall(nil), p.listVoicesCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthesizeCalls = nil
	p.listVoicesCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
