// Package playout is the outbound side of a call: a bounded, paced queue of
// synthesized frames between the turn controller and the media transport.
//
// Frames are tagged with the turn that produced them. [Player.Purge] removes
// every queued frame of a turn in one step and waits out a send already in
// progress, so once it returns nothing from that turn reaches the wire.
package playout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
)

const (
	// DefaultCapacity is the queue bound in frames (one second of 20 ms frames).
	DefaultCapacity = 50

	// DefaultInterval paces output at one frame per 20 ms.
	DefaultInterval = 20 * time.Millisecond
)

var (
	// ErrPurged is returned when enqueuing for a turn that was purged.
	ErrPurged = errors.New("playout: turn purged")

	// ErrClosed is returned after [Player.Close].
	ErrClosed = errors.New("playout: player closed")
)

// SendFunc delivers one frame to the far end.
type SendFunc func(ctx context.Context, frame audio.AudioFrame) error

// Option configures a [Player] during construction.
type Option func(*Player)

// WithCapacity bounds the number of queued frames. Enqueue blocks while the
// queue is full. Markers do not count toward the bound.
func WithCapacity(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithInterval sets the pacing interval. Zero disables pacing and frames are
// sent as fast as the transport accepts them.
func WithInterval(d time.Duration) Option {
	return func(p *Player) {
		if d >= 0 {
			p.interval = d
		}
	}
}

// WithOnDone registers a callback invoked from the dispatch goroutine when
// playback reaches a marker placed with [Player.Mark]. It must not block.
func WithOnDone(fn func(turnID string)) Option {
	return func(p *Player) { p.onDone = fn }
}

// WithOnSent registers a callback invoked after each successful send.
// It must not block.
func WithOnSent(fn func(turnID string, frame audio.AudioFrame)) Option {
	return func(p *Player) { p.onSent = fn }
}

// WithOnError registers a callback invoked when the send function fails.
// The frame is dropped and playback continues.
func WithOnError(fn func(error)) Option {
	return func(p *Player) { p.onError = fn }
}

type entry struct {
	turnID string
	frame  audio.AudioFrame
	mark   bool
}

// Player queues and paces outbound frames. All exported methods are safe for
// concurrent use.
type Player struct {
	send     SendFunc
	capacity int
	interval time.Duration
	onDone   func(string)
	onSent   func(string, audio.AudioFrame)
	onError  func(error)

	// sendMu is held from dequeue until the send returns so that Purge can
	// wait out a frame already taken from the queue.
	sendMu sync.Mutex

	mu     sync.Mutex
	queue  []entry
	frames int                 // frame entries in queue (markers excluded)
	purged map[string]struct{} // turns whose frames are rejected
	space  chan struct{}       // closed and replaced whenever frames leave the queue
	closed bool

	notify chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Player that delivers frames through send and starts its
// dispatch goroutine. Call [Player.Close] to stop it.
func New(send SendFunc, opts ...Option) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		send:     send,
		capacity: DefaultCapacity,
		interval: DefaultInterval,
		purged:   make(map[string]struct{}),
		space:    make(chan struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Enqueue appends frame for turnID, blocking while the queue is full.
// It returns [ErrPurged] if turnID was purged (also while waiting),
// [ErrClosed] after Close, or ctx.Err().
func (p *Player) Enqueue(ctx context.Context, turnID string, frame audio.AudioFrame) error {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if _, ok := p.purged[turnID]; ok {
			p.mu.Unlock()
			return ErrPurged
		}
		if p.frames < p.capacity {
			p.queue = append(p.queue, entry{turnID: turnID, frame: frame})
			p.frames++
			p.mu.Unlock()
			p.wake()
			return nil
		}
		space := p.space
		p.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		}
		p.mu.Lock()
	}
}

// Mark places a completion marker for turnID behind its queued frames. The
// OnDone callback fires once every earlier frame has been sent.
func (p *Player) Mark(turnID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.purged[turnID]; ok {
		p.mu.Unlock()
		return ErrPurged
	}
	p.queue = append(p.queue, entry{turnID: turnID, mark: true})
	p.mu.Unlock()
	p.wake()
	return nil
}

// Purge drops every queued frame and marker of turnID, waits for an in-flight
// send to finish, and rejects later frames for the turn. It returns the number
// of frames dropped.
func (p *Player) Purge(turnID string) int {
	p.mu.Lock()
	p.purged[turnID] = struct{}{}
	kept := p.queue[:0]
	dropped := 0
	for _, e := range p.queue {
		if e.turnID != turnID {
			kept = append(kept, e)
			continue
		}
		if !e.mark {
			dropped++
		}
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	p.frames -= dropped
	p.signalSpaceLocked()
	p.mu.Unlock()

	// The dispatcher holds sendMu from dequeue until the send returns.
	p.sendMu.Lock()
	p.sendMu.Unlock() //nolint:staticcheck // empty critical section waits out the in-flight send
	return dropped
}

// Len returns the number of queued frames, excluding markers.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Close stops the dispatch goroutine and discards anything still queued.
// Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.frames = 0
	p.mu.Unlock()

	close(p.done)
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Player) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// signalSpaceLocked wakes every Enqueue waiting for room. Must be called with
// p.mu held.
func (p *Player) signalSpaceLocked() {
	close(p.space)
	p.space = make(chan struct{})
}

// dispatch sends queued frames in order, one per interval, until Close.
func (p *Player) dispatch() {
	defer p.wg.Done()

	var next time.Time // earliest time the next frame may be sent
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			if p.interval > 0 {
				if wait := time.Until(next); wait > 0 {
					timer.Reset(wait)
					select {
					case <-p.done:
						return
					case <-timer.C:
					}
				}
			}

			sent, ok := p.step()
			if !ok {
				break
			}
			if sent && p.interval > 0 {
				now := time.Now()
				if next.Before(now) {
					next = now
				}
				next = next.Add(p.interval)
			}
		}
	}
}

// step pops the head entry and plays it. ok is false when the queue is empty
// or the player is closed; sent reports whether a frame (not a marker) was
// handed to the send function. Callbacks run after sendMu is released so they
// may call back into the Player.
func (p *Player) step() (sent, ok bool) {
	e, ok, err := p.pop()
	if !ok {
		return false, false
	}
	switch {
	case e.mark:
		if p.onDone != nil {
			p.onDone(e.turnID)
		}
		return false, true
	case err != nil:
		if p.onError != nil && p.ctx.Err() == nil {
			p.onError(err)
		}
	case p.onSent != nil:
		p.onSent(e.turnID, e.frame)
	}
	return true, true
}

func (p *Player) pop() (entry, bool, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if p.closed || len(p.queue) == 0 {
		p.mu.Unlock()
		return entry{}, false, nil
	}
	e := p.queue[0]
	p.queue[0] = entry{}
	p.queue = p.queue[1:]
	if !e.mark {
		p.frames--
		p.signalSpaceLocked()
	}
	p.mu.Unlock()

	if e.mark {
		return e, true, nil
	}
	return e, true, p.send(p.ctx, e.frame)
}
