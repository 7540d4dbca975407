package audio

import "time"

// Encoding tags the byte layout of an [AudioFrame] payload.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian linear PCM. It is the only
	// encoding used inside the pipeline.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingMuLaw is ITU-T G.711 μ-law, one byte per sample.
	EncodingMuLaw Encoding = "mulaw"

	// EncodingALaw is ITU-T G.711 A-law, one byte per sample.
	EncodingALaw Encoding = "alaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingMuLaw, EncodingALaw:
		return true
	}
	return false
}

// BytesPerSample returns the payload size of one sample of one channel.
// Unknown encodings report 0.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCM16:
		return 2
	case EncodingMuLaw, EncodingALaw:
		return 1
	}
	return 0
}

// AudioFrame is the unit of audio moving through a call.
//
// A frame has exactly one owner. Whoever forwards a frame hands over its Data
// slice with it and must not read or modify the slice afterwards; receivers
// may therefore reuse or mutate Data without copying.
type AudioFrame struct {
	// Data is the encoded payload. Empty for frames with Missing set.
	Data []byte

	// SampleRate in Hz (8000 on the telephony side, 16000 internally by default).
	SampleRate int

	// Channels is always 1 for telephony audio.
	Channels int

	// Encoding describes the layout of Data.
	Encoding Encoding

	// Seq is the per-direction monotonic sequence number.
	Seq uint64

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration

	// Missing marks a placeholder for a frame lost on the network. Downstream
	// stages decide how to fill it (the codec converter substitutes silence).
	Missing bool
}

// Duration returns how much audio the frame carries, derived from the payload
// length, sample rate, channel count and encoding. Frames with an unknown
// encoding or a zero rate report 0.
func (f AudioFrame) Duration() time.Duration {
	bps := f.Encoding.BytesPerSample()
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	if bps == 0 || f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / (bps * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the payload size of one frame of the given duration.
func FrameBytes(enc Encoding, sampleRate, channels int, interval time.Duration) int {
	if channels <= 0 {
		channels = 1
	}
	samples := int(int64(sampleRate) * int64(interval) / int64(time.Second))
	return samples * channels * enc.BytesPerSample()
}
