// Package mock provides an in-memory implementation of [audio.Transport] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every outbound frame and
// every Clear and Close call so tests can assert on them, and it exposes
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	tr := mock.NewTransport(16)
//	tr.Push(audio.AudioFrame{Data: payload, SampleRate: 8000, Encoding: audio.EncodingMuLaw, Seq: 1})
//	tr.Hangup() // Receive returns io.EOF once the queue is drained
//	...
//	sent := tr.Sent()
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// Transport is a mock implementation of [audio.Transport] and [audio.Clearer].
// Set the exported error fields before use; inspect Sent and the call counters
// after.
type Transport struct {
	mu sync.Mutex

	inbound   chan audio.AudioFrame
	closed    chan struct{}
	closeOnce sync.Once
	hangOnce  sync.Once

	// ReceiveError, when non-nil, is returned by Receive after the inbound
	// queue is drained and Hangup was called, instead of io.EOF.
	ReceiveError error

	// SendError is returned by every Send call. The frame is still recorded.
	SendError error

	// ClearError is returned by Clear.
	ClearError error

	// CloseError is returned by Close.
	CloseError error

	// OnSend, if set, is invoked synchronously for every sent frame.
	OnSend func(audio.AudioFrame)

	sent            []audio.AudioFrame
	callCountClear  int
	callCountClose  int
	clearAfterFrame []int
}

var (
	_ audio.Transport = (*Transport)(nil)
	_ audio.Clearer   = (*Transport)(nil)
)

// NewTransport returns a Transport whose inbound queue holds up to buffer
// frames before Push blocks.
func NewTransport(buffer int) *Transport {
	return &Transport{
		inbound: make(chan audio.AudioFrame, buffer),
		closed:  make(chan struct{}),
	}
}

// Push queues an inbound frame. It blocks while the queue is full.
func (t *Transport) Push(f audio.AudioFrame) {
	t.inbound <- f
}

// Hangup simulates the caller ending the stream. Frames already pushed are
// still delivered; afterwards Receive returns io.EOF (or ReceiveError).
func (t *Transport) Hangup() {
	t.hangOnce.Do(func() { close(t.inbound) })
}

// Receive implements [audio.Transport].
func (t *Transport) Receive(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f, ok := <-t.inbound:
		if !ok {
			t.mu.Lock()
			err := t.ReceiveError
			t.mu.Unlock()
			if err != nil {
				return audio.AudioFrame{}, err
			}
			return audio.AudioFrame{}, io.EOF
		}
		return f, nil
	case <-t.closed:
		return audio.AudioFrame{}, audio.ErrTransportClosed
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// Send implements [audio.Transport]. The frame is recorded even when SendError
// is set.
func (t *Transport) Send(_ context.Context, f audio.AudioFrame) error {
	select {
	case <-t.closed:
		return audio.ErrTransportClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, f)
	hook := t.OnSend
	err := t.SendError
	t.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return err
}

// Clear implements [audio.Clearer].
func (t *Transport) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callCountClear++
	t.clearAfterFrame = append(t.clearAfterFrame, len(t.sent))
	return t.ClearError
}

// Close implements [audio.Transport]. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.callCountClose++
	err := t.CloseError
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
	return err
}

// Sent returns a copy of every frame passed to Send, in order.
func (t *Transport) Sent() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.AudioFrame, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentCount returns how many frames were sent.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// ClearCount returns how many times Clear was called.
func (t *Transport) ClearCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCountClear
}

// ClearMarks returns, for each Clear call, how many frames had been sent
// before it.
func (t *Transport) ClearMarks() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.clearAfterFrame))
	copy(out, t.clearAfterFrame)
	return out
}

// CloseCount returns how many times Close was called.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCountClose
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
