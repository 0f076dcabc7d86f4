package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the normalized (0..1) root-mean-square energy of PCM16LE audio.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

func sampleAt(pcm []byte, i int) float64 {
	return float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
}

func putSample(pcm []byte, i int, v float64) {
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	if v < math.MinInt16 {
		v = math.MinInt16
	}
	binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
}

// Tone renders a sine wave as PCM16LE. Used for synthetic audio in tools
// and tests.
func Tone(freq float64, amplitude float64, samples, rate int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		putSample(out, i*2, v)
	}
	return out
}
