// Package rtp implements [audio.Transport] for G.711 audio carried in plain
// RTP over UDP, the way SIP trunks and media gateways deliver it.
//
// A [Listener] owns one UDP socket and demultiplexes packets by SSRC. Each new
// SSRC becomes a [Session], handed out by [Listener.Accept]. Signalling is out
// of scope: a session ends when the owner closes it.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// Static payload types for G.711 (RFC 3551).
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

const (
	// ClockRate of G.711 payloads.
	ClockRate = 8000

	defaultQueueSize   = 50
	defaultAcceptQueue = 16
	maxPacketSize      = 1500
	maxTombstones      = 1024
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("rtp: listener closed")

// Option configures a [Listener].
type Option func(*Listener)

// WithQueueSize bounds each session's inbound packet queue. Packets arriving
// while the queue is full are dropped and later surface as a sequence gap.
func WithQueueSize(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithMaxGap caps the number of missing-frame markers emitted per gap.
func WithMaxGap(n int) Option {
	return func(l *Listener) { l.maxGap = n }
}

// Listener receives RTP on a UDP socket and creates one [Session] per SSRC.
type Listener struct {
	conn      *net.UDPConn
	queueSize int
	maxGap    int

	mu         sync.Mutex
	sessions   map[uint32]*Session
	tombstones map[uint32]time.Time // SSRCs of closed sessions; late packets are ignored
	closed     bool

	accept chan *Session
	done   chan struct{}
	wg     sync.WaitGroup
}

// Listen binds a UDP socket on addr (e.g. ":10000") and starts reading.
func Listen(addr string, opts ...Option) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen %q: %w", addr, err)
	}
	l := &Listener{
		conn:       conn,
		queueSize:  defaultQueueSize,
		sessions:   make(map[uint32]*Session),
		tombstones: make(map[uint32]time.Time),
		accept:     make(chan *Session, defaultAcceptQueue),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Accept blocks until a packet with an unseen SSRC arrives.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-l.accept:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the read loop, closes the socket and every open session.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	close(l.done)
	err := l.conn.Close()
	l.wg.Wait()
	for _, s := range sessions {
		_ = s.Close()
	}
	return err
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("rtp: read failed", "err", err)
			continue
		}

		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("rtp: dropping malformed packet", "remote", remote, "err", err)
			continue
		}
		enc, ok := encodingFor(pkt.PayloadType)
		if !ok {
			slog.Debug("rtp: dropping unsupported payload type", "remote", remote, "payload_type", pkt.PayloadType)
			continue
		}

		s := l.session(pkt.SSRC, remote, enc)
		if s == nil {
			continue
		}
		// pkt.Payload aliases buf.
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		s.deliver(packet{seq: pkt.SequenceNumber, ts: pkt.Timestamp, payload: payload})
	}
}

// session returns the session for ssrc, creating and announcing it on first
// sight. It returns nil for closed sessions or when the accept queue is full.
func (l *Listener) session(ssrc uint32, remote *net.UDPAddr, enc audio.Encoding) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.sessions[ssrc]; ok {
		return s
	}
	if _, dead := l.tombstones[ssrc]; dead || l.closed {
		return nil
	}

	s := newSession(l, ssrc, remote, enc)
	select {
	case l.accept <- s:
	default:
		slog.Warn("rtp: accept queue full, ignoring new stream", "ssrc", ssrc, "remote", remote)
		return nil
	}
	l.sessions[ssrc] = s
	return s
}

func (l *Listener) forget(ssrc uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, ssrc)
	if len(l.tombstones) >= maxTombstones {
		cutoff := time.Now().Add(-time.Minute)
		for k, at := range l.tombstones {
			if at.Before(cutoff) {
				delete(l.tombstones, k)
			}
		}
	}
	l.tombstones[ssrc] = time.Now()
}

func (l *Listener) write(b []byte, to *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(b, to)
	return err
}

func encodingFor(pt uint8) (audio.Encoding, bool) {
	switch pt {
	case PayloadTypePCMU:
		return audio.EncodingMuLaw, true
	case PayloadTypePCMA:
		return audio.EncodingALaw, true
	}
	return "", false
}

func payloadTypeFor(enc audio.Encoding) (uint8, bool) {
	switch enc {
	case audio.EncodingMuLaw:
		return PayloadTypePCMU, true
	case audio.EncodingALaw:
		return PayloadTypePCMA, true
	}
	return 0, false
}
