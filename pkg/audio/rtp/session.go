package rtp

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/MrWong99/switchboard/pkg/audio"
)

var _ audio.Transport = (*Session)(nil)

type packet struct {
	seq     uint16
	ts      uint32
	payload []byte
}

// Session is the media stream of one remote SSRC. Receive must be called from
// a single goroutine; Send may be called concurrently with it.
type Session struct {
	// RemoteSSRC identifies the inbound stream.
	RemoteSSRC uint32

	// Remote is the address packets arrive from and are sent to.
	Remote *net.UDPAddr

	// Encoding is derived from the inbound payload type.
	Encoding audio.Encoding

	l       *Listener
	inbound chan packet
	dropped atomic.Uint64

	// receive side, owned by the Receive goroutine
	tracker  *audio.SequenceTracker
	unwrap   seqUnwrapper
	firstTS  uint32
	started  bool
	pending  []audio.AudioFrame
	interval time.Duration

	// send side
	sendMu  sync.Mutex
	ssrc    uint32
	outSeq  uint16
	outTS   uint32
	marked  bool
	outSent uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(l *Listener, ssrc uint32, remote *net.UDPAddr, enc audio.Encoding) *Session {
	return &Session{
		RemoteSSRC: ssrc,
		Remote:     remote,
		Encoding:   enc,
		l:          l,
		inbound:    make(chan packet, l.queueSize),
		tracker:    audio.NewSequenceTracker(l.maxGap),
		ssrc:       rand.Uint32(),
		outSeq:     uint16(rand.Uint32()),
		outTS:      rand.Uint32(),
		closed:     make(chan struct{}),
	}
}

func (s *Session) deliver(p packet) {
	select {
	case s.inbound <- p:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many inbound packets were discarded because the queue
// was full.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Receive returns the next inbound frame, preceded by missing-frame markers
// when sequence numbers were skipped.
func (s *Session) Receive(ctx context.Context) (audio.AudioFrame, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, nil
	}
	for {
		var p packet
		select {
		case p = <-s.inbound:
		case <-s.closed:
			return audio.AudioFrame{}, audio.ErrTransportClosed
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		}

		seq := s.unwrap.unwrap(p.seq)
		missing, ok := s.tracker.Observe(seq)
		if !ok {
			continue
		}
		if !s.started {
			s.started = true
			s.firstTS = p.ts
		}
		samples := len(p.payload) // one byte per sample for G.711
		if samples > 0 {
			s.interval = time.Duration(samples) * time.Second / ClockRate
		}
		f := audio.AudioFrame{
			Data:       p.payload,
			SampleRate: ClockRate,
			Channels:   1,
			Encoding:   s.Encoding,
			Seq:        seq,
			Timestamp:  time.Duration(p.ts-s.firstTS) * time.Second / ClockRate,
		}
		if missing == 0 {
			return f, nil
		}
		for i := missing; i > 0; i-- {
			s.pending = append(s.pending, audio.AudioFrame{
				SampleRate: ClockRate,
				Channels:   1,
				Encoding:   s.Encoding,
				Seq:        seq - i,
				Timestamp:  f.Timestamp - time.Duration(i)*s.interval,
				Missing:    true,
			})
		}
		s.pending = append(s.pending, f)
		next := s.pending[0]
		s.pending = s.pending[1:]
		return next, nil
	}
}

// Send packetises frame and writes it to the remote address. The frame must
// use the session's encoding. The RTP timestamp advances by the frame's
// sample count.
func (s *Session) Send(_ context.Context, frame audio.AudioFrame) error {
	select {
	case <-s.closed:
		return audio.ErrTransportClosed
	default:
	}
	if frame.Encoding != s.Encoding {
		return &audio.TransportError{Op: "send", Err: fmt.Errorf("rtp: outbound encoding %q does not match session encoding %q", frame.Encoding, s.Encoding)}
	}
	pt, _ := payloadTypeFor(s.Encoding)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         !s.marked,
			PayloadType:    pt,
			SequenceNumber: s.outSeq,
			Timestamp:      s.outTS,
			SSRC:           s.ssrc,
		},
		Payload: frame.Data,
	}
	b, err := pkt.Marshal()
	if err != nil {
		return &audio.TransportError{Op: "send", Err: err}
	}
	if err := s.l.write(b, s.Remote); err != nil {
		return &audio.TransportError{Op: "send", Err: err}
	}
	s.marked = true
	s.outSeq++
	s.outTS += uint32(len(frame.Data))
	s.outSent++
	return nil
}

// SSRC returns the synchronisation source used for outbound packets.
func (s *Session) SSRC() uint32 { return s.ssrc }

// Close ends the session. Later packets with the same SSRC are ignored.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.l.forget(s.RemoteSSRC)
	})
	return nil
}

// seqUnwrapper extends 16-bit RTP sequence numbers to 64 bits. The first
// value is offset by one cycle so packets that arrive late still map below it.
type seqUnwrapper struct {
	started bool
	last    uint64
}

func (u *seqUnwrapper) unwrap(seq uint16) uint64 {
	if !u.started {
		u.started = true
		u.last = 1<<16 + uint64(seq)
		return u.last
	}
	delta := int16(seq - uint16(u.last))
	ext := uint64(int64(u.last) + int64(delta))
	if delta > 0 {
		u.last = ext
	}
	return ext
}
