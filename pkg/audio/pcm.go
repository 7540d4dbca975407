package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes little-endian 16-bit PCM into samples. A trailing odd byte
// is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMBytes encodes samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Silence returns n bytes of digital silence for 16-bit PCM.
func Silence(n int) []byte {
	return make([]byte, n)
}

// RMS returns the root-mean-square amplitude of 16-bit PCM, in sample units
// (0 for silence, 32767 for a full-scale square wave).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The output always holds exactly
// samples(pcm)*dstRate/srcRate samples, so fixed-size input frames produce
// fixed-size output frames. Invalid rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	at := func(i int) float64 {
		if i >= srcSamples {
			i = srcSamples - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		v := at(idx)*(1-frac) + at(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v))))
	}
	return out
}
