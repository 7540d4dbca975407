// Package mock provides test doubles for the stt package interfaces.
//
// Provider creates a fresh Session for every StartStream call and keeps them
// so tests can drive each listening turn independently:
//
//	p := &mock.Provider{FinalizeText: "what is my balance"}
//	// ... run the code under test ...
//	sess := p.Sessions()[0]
//	sess.EmitPartial("what is")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/switchboard/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// FinalizeText is copied into every new Session. See Session.FinalizeText.
	FinalizeText string

	// OnStart, if set, is called with every new Session before StartStream
	// returns.
	OnStart func(*Session)

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// StartStream records the call and returns a new Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		err := p.StartStreamErr
		p.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	s.FinalizeText = p.FinalizeText
	p.sessions = append(p.sessions, s)
	onStart := p.OnStart
	p.mu.Unlock()

	if onStart != nil {
		onStart(s)
	}
	return s, nil
}

// StartCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Sessions returns the sessions created so far in creation order. Thread-safe.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Reset clears all recorded calls and sessions. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.sessions = nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle with buffered output
// channels the test feeds through EmitPartial and EmitFinal.
type Session struct {
	mu sync.Mutex

	// FinalizeText, when non-empty, is emitted as a final transcript on every
	// Finalize call.
	FinalizeText string

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool
	err      error

	audio         [][]byte
	finalizeCount int
	closeCount    int
}

// NewSession returns an open Session.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// EmitPartial delivers an interim transcript. It reports false if the session
// is closed or the channel is full.
func (s *Session) EmitPartial(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(s.partials, stt.Transcript{Text: text})
}

// EmitFinal delivers a final transcript. It reports false if the session is
// closed or the channel is full.
func (s *Session) EmitFinal(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(s.finals, stt.Transcript{Text: text, IsFinal: true, Confidence: 0.9})
}

func (s *Session) emitLocked(ch chan stt.Transcript, t stt.Transcript) bool {
	if s.closed {
		return false
	}
	select {
	case ch <- t:
		return true
	default:
		return false
	}
}

// Fail ends the session with err, closing both output channels.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closeLocked()
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Finalize records the call and emits FinalizeText, if set.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.finalizeCount++
	if s.FinalizeText != "" {
		s.emitLocked(s.finals, stt.Transcript{Text: s.FinalizeText, IsFinal: true, Confidence: 0.9})
	}
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes both output channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.closed {
		s.closeLocked()
	}
	return nil
}

func (s *Session) closeLocked() {
	s.closed = true
	close(s.partials)
	close(s.finals)
}

// Audio returns copies of every chunk passed to SendAudio. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// AudioCount returns the number of chunks received. Thread-safe.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// FinalizeCount returns the number of Finalize calls. Thread-safe.
func (s *Session) FinalizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeCount
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether the session has ended. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.SessionHandle = (*Session)(nil)
