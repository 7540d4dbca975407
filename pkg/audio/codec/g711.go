package codec

import "math/bits"

// ITU-T G.711 companding. Both laws map one byte to one 16-bit linear sample.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var (
	muLawDecode [256]int16
	aLawDecode  [256]int16
)

func init() {
	for i := range 256 {
		muLawDecode[i] = decodeMuLaw(byte(i))
		aLawDecode[i] = decodeALaw(byte(i))
	}
}

func decodeMuLaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	v := ((int(mant) << 3) + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

func encodeMuLaw(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := bits.Len(uint(v>>7)) - 1
	mant := (v >> (exp + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mant))
}

func decodeALaw(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// aLawSegEnd holds the upper bound of each 13-bit A-law segment.
var aLawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeALaw(s int16) byte {
	v := int(s) >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := 0
	for seg < len(aLawSegEnd) && v > aLawSegEnd[seg] {
		seg++
	}
	if seg >= len(aLawSegEnd) {
		return 0x7F ^ mask
	}
	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte(v>>1) & 0x0F
	} else {
		aval |= byte(v>>seg) & 0x0F
	}
	return aval ^ mask
}

// MuLawToPCM expands μ-law bytes into little-endian 16-bit PCM.
func MuLawToPCM(in []byte) []byte { return expand(in, &muLawDecode) }

// ALawToPCM expands A-law bytes into little-endian 16-bit PCM.
func ALawToPCM(in []byte) []byte { return expand(in, &aLawDecode) }

// PCMToMuLaw compresses little-endian 16-bit PCM into μ-law. A trailing odd
// byte is ignored.
func PCMToMuLaw(pcm []byte) []byte { return compress(pcm, encodeMuLaw) }

// PCMToALaw compresses little-endian 16-bit PCM into A-law. A trailing odd
// byte is ignored.
func PCMToALaw(pcm []byte) []byte { return compress(pcm, encodeALaw) }

func expand(in []byte, table *[256]int16) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := uint16(table[b])
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func compress(pcm []byte, enc func(int16) byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = enc(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	return out
}
