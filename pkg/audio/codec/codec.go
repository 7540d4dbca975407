// Package codec translates between the telephony wire encoding and the
// 16-bit linear PCM used inside the pipeline.
//
// A [Converter] is stateless apart from its configuration: every call handles
// exactly one frame, output sizes are fixed by the configuration, and the same
// input always yields the same output. Frames with the wrong size or encoding
// are rejected with an [*Error]; callers substitute [Converter.Silence].
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// Defaults for narrowband telephony.
const (
	DefaultWireRate      = 8000
	DefaultInternalRate  = 16000
	DefaultFrameInterval = 20 * time.Millisecond
)

var (
	// ErrFrameSize is returned for a frame whose payload length differs from
	// the configured frame size.
	ErrFrameSize = errors.New("codec: frame size mismatch")

	// ErrUnsupportedEncoding is returned for a frame in an encoding the
	// converter was not configured for.
	ErrUnsupportedEncoding = errors.New("codec: unsupported encoding")
)

// Error describes a frame the converter could not translate. It is recoverable
// per frame.
type Error struct {
	// Op is "to_internal" or "from_internal".
	Op string

	// Seq is the sequence number of the offending frame.
	Seq uint64

	// Err is [ErrFrameSize] or [ErrUnsupportedEncoding].
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s seq %d: %v", e.Op, e.Seq, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config fixes the frame geometry on both sides of the converter.
type Config struct {
	// Encoding on the wire: mulaw, alaw or pcm16.
	Encoding audio.Encoding

	// WireRate is the sample rate on the wire in Hz.
	WireRate int

	// InternalRate is the PCM sample rate used inside the pipeline in Hz.
	InternalRate int

	// FrameInterval is the duration of one frame on both sides.
	FrameInterval time.Duration
}

// DefaultConfig returns μ-law 8 kHz on the wire, 16 kHz internally, 20 ms frames.
func DefaultConfig() Config {
	return Config{
		Encoding:      audio.EncodingMuLaw,
		WireRate:      DefaultWireRate,
		InternalRate:  DefaultInternalRate,
		FrameInterval: DefaultFrameInterval,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if !c.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("codec: encoding %q: %w", c.Encoding, ErrUnsupportedEncoding))
	}
	if c.WireRate <= 0 {
		errs = append(errs, fmt.Errorf("codec: wire rate must be positive, got %d", c.WireRate))
	}
	if c.InternalRate <= 0 {
		errs = append(errs, fmt.Errorf("codec: internal rate must be positive, got %d", c.InternalRate))
	}
	if c.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("codec: frame interval must be positive, got %s", c.FrameInterval))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, rate := range []int{c.WireRate, c.InternalRate} {
		if (int64(rate)*int64(c.FrameInterval))%int64(time.Second) != 0 {
			errs = append(errs, fmt.Errorf("codec: %s at %d Hz is not a whole number of samples", c.FrameInterval, rate))
		}
	}
	return errors.Join(errs...)
}

// Converter translates single frames between wire and internal formats.
// It is safe for concurrent use.
type Converter struct {
	cfg           Config
	wireBytes     int
	internalBytes int
}

// New validates cfg and returns a Converter for it.
func New(cfg Config) (*Converter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Converter{
		cfg:           cfg,
		wireBytes:     audio.FrameBytes(cfg.Encoding, cfg.WireRate, 1, cfg.FrameInterval),
		internalBytes: audio.FrameBytes(audio.EncodingPCM16, cfg.InternalRate, 1, cfg.FrameInterval),
	}, nil
}

// Config returns the converter's configuration.
func (c *Converter) Config() Config { return c.cfg }

// WireFrameBytes is the payload size of one wire frame (160 for 20 ms μ-law).
func (c *Converter) WireFrameBytes() int { return c.wireBytes }

// InternalFrameBytes is the payload size of one internal PCM frame (640 for
// 20 ms at 16 kHz).
func (c *Converter) InternalFrameBytes() int { return c.internalBytes }

// ToInternal decodes a wire frame into an internal PCM frame of exactly
// [Converter.InternalFrameBytes]. A frame marked Missing becomes silence and
// keeps its Missing flag.
func (c *Converter) ToInternal(f audio.AudioFrame) (audio.AudioFrame, error) {
	if f.Missing {
		return c.Silence(f.Seq, f.Timestamp), nil
	}
	if f.Encoding != c.cfg.Encoding {
		return audio.AudioFrame{}, &Error{Op: "to_internal", Seq: f.Seq, Err: ErrUnsupportedEncoding}
	}
	if len(f.Data) != c.wireBytes {
		return audio.AudioFrame{}, &Error{Op: "to_internal", Seq: f.Seq, Err: ErrFrameSize}
	}

	var pcm []byte
	switch c.cfg.Encoding {
	case audio.EncodingMuLaw:
		pcm = MuLawToPCM(f.Data)
	case audio.EncodingALaw:
		pcm = ALawToPCM(f.Data)
	default:
		pcm = f.Data
	}
	pcm = fit(audio.ResampleMono16(pcm, c.cfg.WireRate, c.cfg.InternalRate), c.internalBytes)

	return audio.AudioFrame{
		Data:       pcm,
		SampleRate: c.cfg.InternalRate,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
		Seq:        f.Seq,
		Timestamp:  f.Timestamp,
	}, nil
}

// FromInternal encodes an internal PCM frame of exactly
// [Converter.InternalFrameBytes] into a wire frame of exactly
// [Converter.WireFrameBytes].
func (c *Converter) FromInternal(f audio.AudioFrame) (audio.AudioFrame, error) {
	if f.Encoding != audio.EncodingPCM16 {
		return audio.AudioFrame{}, &Error{Op: "from_internal", Seq: f.Seq, Err: ErrUnsupportedEncoding}
	}
	if len(f.Data) != c.internalBytes {
		return audio.AudioFrame{}, &Error{Op: "from_internal", Seq: f.Seq, Err: ErrFrameSize}
	}

	pcm := audio.ResampleMono16(f.Data, c.cfg.InternalRate, c.cfg.WireRate)
	var wire []byte
	switch c.cfg.Encoding {
	case audio.EncodingMuLaw:
		wire = PCMToMuLaw(fit(pcm, c.wireBytes*2))
	case audio.EncodingALaw:
		wire = PCMToALaw(fit(pcm, c.wireBytes*2))
	default:
		wire = fit(pcm, c.wireBytes)
	}

	return audio.AudioFrame{
		Data:       wire,
		SampleRate: c.cfg.WireRate,
		Channels:   1,
		Encoding:   c.cfg.Encoding,
		Seq:        f.Seq,
		Timestamp:  f.Timestamp,
	}, nil
}

// Silence returns an internal silence frame flagged as Missing.
func (c *Converter) Silence(seq uint64, ts time.Duration) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       audio.Silence(c.internalBytes),
		SampleRate: c.cfg.InternalRate,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
		Seq:        seq,
		Timestamp:  ts,
		Missing:    true,
	}
}

// fit truncates or zero-pads b to exactly n bytes. Resampling between rates
// that do not divide evenly can be off by one sample.
func fit(b []byte, n int) []byte {
	switch {
	case len(b) == n:
		return b
	case len(b) > n:
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
