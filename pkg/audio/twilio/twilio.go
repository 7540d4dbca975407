// Package twilio implements [audio.Transport] over a Twilio Media Streams
// WebSocket. Twilio dials the service; [Accept] upgrades the HTTP request,
// waits for the stream's start event and returns a [Stream] for the call.
//
// Inbound audio is 8 kHz μ-law. Chunk numbers become frame sequence numbers,
// so chunks Twilio never delivered surface as Missing frames. Outbound frames
// must be μ-law as well; [Stream.Clear] flushes audio Twilio has buffered but
// not yet played.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/pkg/audio"
)

const (
	// SampleRate of Twilio media payloads.
	SampleRate = 8000

	defaultStartTimeout  = 10 * time.Second
	defaultFrameInterval = 20 * time.Millisecond
	readLimit            = 64 << 10
)

// ErrNoStart is returned by [Accept] when the stream closes or sends media
// before its start event.
var ErrNoStart = errors.New("twilio: stream ended before start event")

var (
	_ audio.Transport = (*Stream)(nil)
	_ audio.Clearer   = (*Stream)(nil)
)

// Option configures [Accept].
type Option func(*options)

type options struct {
	startTimeout   time.Duration
	frameInterval  time.Duration
	maxGap         int
	originPatterns []string
}

// WithStartTimeout bounds the wait for the connected and start events.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithFrameInterval sets the duration of one inbound chunk, used to
// timestamp missing-frame markers.
func WithFrameInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.frameInterval = d
		}
	}
}

// WithMaxGap caps the number of missing-frame markers emitted per gap.
func WithMaxGap(n int) Option {
	return func(o *options) { o.maxGap = n }
}

// WithOriginPatterns allows cross-origin upgrades from the given host
// patterns. Twilio does not send an Origin header, so this is only needed
// for browser-based test clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *options) { o.originPatterns = patterns }
}

// Stream is one accepted Twilio media stream. Receive must be called from a
// single goroutine; Send and Clear may be called concurrently with it.
type Stream struct {
	// CallSID identifies the Twilio call.
	CallSID string

	// StreamSID identifies this media stream and is echoed on every
	// outbound message.
	StreamSID string

	// AccountSID is the owning Twilio account.
	AccountSID string

	// Parameters holds the <Parameter> values from the TwiML <Stream> verb.
	Parameters map[string]string

	// Format is the inbound media format announced in the start event.
	Format MediaFormat

	conn     *websocket.Conn
	interval time.Duration
	tracker  *audio.SequenceTracker
	pending  []audio.AudioFrame // frames queued behind missing-frame markers

	writeMu sync.Mutex
	outSeq  uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept upgrades the request to a WebSocket and reads events until the
// stream's start event arrives.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Stream, error) {
	o := options{
		startTimeout:  defaultStartTimeout,
		frameInterval: defaultFrameInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: o.originPatterns})
	if err != nil {
		return nil, &audio.TransportError{Op: "accept", Err: err}
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithTimeout(r.Context(), o.startTimeout)
	defer cancel()

	for {
		msg, err := readEvent(ctx, conn)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "no start event")
			if errors.Is(err, io.EOF) {
				return nil, ErrNoStart
			}
			return nil, &audio.TransportError{Op: "accept", Err: err}
		}
		switch msg.Event {
		case eventConnected:
			continue
		case eventStart:
			if msg.Start == nil {
				continue
			}
			sid := msg.Start.StreamSID
			if sid == "" {
				sid = msg.StreamSID
			}
			if enc := msg.Start.MediaFormat.Encoding; enc != "" && enc != mediaEncodingMuLaw {
				conn.Close(websocket.StatusUnsupportedData, "unsupported media encoding")
				return nil, &audio.TransportError{Op: "accept", Err: fmt.Errorf("twilio: unsupported media encoding %q", enc)}
			}
			return &Stream{
				CallSID:    msg.Start.CallSID,
				StreamSID:  sid,
				AccountSID: msg.Start.AccountSID,
				Parameters: msg.Start.CustomParameters,
				Format:     msg.Start.MediaFormat,
				conn:       conn,
				interval:   o.frameInterval,
				tracker:    audio.NewSequenceTracker(o.maxGap),
				closed:     make(chan struct{}),
			}, nil
		default:
			conn.Close(websocket.StatusPolicyViolation, "expected start event")
			return nil, ErrNoStart
		}
	}
}

// Receive returns the next inbound frame. Missing-frame markers for skipped
// chunks are returned before the frame that revealed the gap. A stop event
// or a normal close yields io.EOF.
func (s *Stream) Receive(ctx context.Context) (audio.AudioFrame, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, nil
	}

	for {
		msg, err := readEvent(ctx, s.conn)
		if err != nil {
			return audio.AudioFrame{}, s.receiveError(ctx, err)
		}

		switch msg.Event {
		case eventMedia:
			if msg.Media == nil {
				continue
			}
			f, ok := s.mediaFrame(msg.Media)
			if !ok {
				continue
			}
			missing, ok := s.tracker.Observe(f.Seq)
			if !ok {
				continue
			}
			if missing == 0 {
				return f, nil
			}
			for i := missing; i > 0; i-- {
				s.pending = append(s.pending, audio.AudioFrame{
					SampleRate: SampleRate,
					Channels:   1,
					Encoding:   audio.EncodingMuLaw,
					Seq:        f.Seq - i,
					Timestamp:  f.Timestamp - time.Duration(i)*s.interval,
					Missing:    true,
				})
			}
			s.pending = append(s.pending, f)
			next := s.pending[0]
			s.pending = s.pending[1:]
			return next, nil
		case eventStop:
			return audio.AudioFrame{}, io.EOF
		case eventMark, eventDTMF, eventConnected, eventStart:
			continue
		default:
			slog.Debug("twilio: ignoring unknown event", "event", msg.Event, "stream_sid", s.StreamSID)
		}
	}
}

func (s *Stream) mediaFrame(m *mediaInfo) (audio.AudioFrame, bool) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		slog.Warn("twilio: dropping media with invalid payload", "stream_sid", s.StreamSID, "chunk", m.Chunk, "err", err)
		return audio.AudioFrame{}, false
	}
	seq, err := strconv.ParseUint(m.Chunk, 10, 64)
	if err != nil {
		slog.Warn("twilio: dropping media with invalid chunk number", "stream_sid", s.StreamSID, "chunk", m.Chunk)
		return audio.AudioFrame{}, false
	}
	ms, _ := strconv.ParseInt(m.Timestamp, 10, 64)
	return audio.AudioFrame{
		Data:       data,
		SampleRate: SampleRate,
		Channels:   1,
		Encoding:   audio.EncodingMuLaw,
		Seq:        seq,
		Timestamp:  time.Duration(ms) * time.Millisecond,
	}, true
}

func (s *Stream) receiveError(ctx context.Context, err error) error {
	select {
	case <-s.closed:
		return audio.ErrTransportClosed
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return &audio.TransportError{Op: "receive", Err: err}
}

// Send writes frame as a media event. The frame must be 8 kHz μ-law.
func (s *Stream) Send(ctx context.Context, frame audio.AudioFrame) error {
	if frame.Encoding != audio.EncodingMuLaw {
		return &audio.TransportError{Op: "send", Err: fmt.Errorf("twilio: outbound encoding must be mulaw, got %q", frame.Encoding)}
	}
	return s.write(ctx, "send", outbound{
		Event:     eventMedia,
		StreamSID: s.StreamSID,
		Media:     &mediaInfo{Payload: base64.StdEncoding.EncodeToString(frame.Data)},
	})
}

// Clear tells Twilio to discard outbound audio it has buffered.
func (s *Stream) Clear(ctx context.Context) error {
	return s.write(ctx, "clear", outbound{Event: eventClear, StreamSID: s.StreamSID})
}

// Mark asks Twilio to echo a mark event with name once every earlier
// outbound media message has played.
func (s *Stream) Mark(ctx context.Context, name string) error {
	return s.write(ctx, "mark", outbound{Event: eventMark, StreamSID: s.StreamSID, Mark: &markInfo{Name: name}})
}

func (s *Stream) write(ctx context.Context, op string, msg outbound) error {
	select {
	case <-s.closed:
		return audio.ErrTransportClosed
	default:
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return &audio.TransportError{Op: op, Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return &audio.TransportError{Op: op, Err: err}
	}
	if msg.Event == eventMedia {
		s.outSeq++
	}
	return nil
}

// Sent returns how many media messages were written.
func (s *Stream) Sent() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.outSeq
}

// Close closes the WebSocket. It is idempotent.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return err
}

// readEvent reads one text message and decodes it. A normal or going-away
// close is reported as io.EOF.
func readEvent(ctx context.Context, conn *websocket.Conn) (inbound, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return inbound{}, io.EOF
			}
			return inbound{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("twilio: ignoring malformed event", "err", err)
			continue
		}
		return msg, nil
	}
}
