package audio

import "encoding/binary"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawDecode expands G.711 mu-law bytes into PCM16LE.
func MuLawDecode(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawToLinear(b)))
	}
	return out
}

// MuLawEncode compresses PCM16LE into G.711 mu-law.
func MuLawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMuLaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

func muLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMuLaw(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias
	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// Resample converts mono PCM16LE between rates by linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	n := in * to / from
	out := make([]byte, n*2)
	step := float64(from) / float64(to)
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		a := sampleAt(pcm, j*2)
		b := a
		if j+1 < in {
			b = sampleAt(pcm, (j+1)*2)
		}
		putSample(out, i*2, a+(b-a)*frac)
	}
	return out
}
