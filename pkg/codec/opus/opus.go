//go:build opus

package opus

import (
	"encoding/binary"
	"fmt"

	hopus "github.com/hraban/opus"
)

func Available() bool { return true }

// Decoder turns opus packets into mono PCM16LE.
type Decoder struct {
	dec  *hopus.Decoder
	rate int
	buf  []int16
}

func NewDecoder(rate int) (*Decoder, error) {
	dec, err := hopus.NewDecoder(rate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	// 120ms is the largest opus packet.
	return &Decoder{dec: dec, rate: rate, buf: make([]int16, rate*120/1000)}, nil
}

func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(d.buf[i]))
	}
	return out, nil
}

// Encoder packs mono PCM16LE into 20ms opus packets, carrying partial
// frames over to the next call.
type Encoder struct {
	enc     *hopus.Encoder
	samples int
	pending []int16
	packet  []byte
}

func NewEncoder(rate int) (*Encoder, error) {
	enc, err := hopus.NewEncoder(rate, 1, hopus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &Encoder{enc: enc, samples: frameSamples(rate), packet: make([]byte, 4000)}, nil
}

func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	for i := 0; i+1 < len(pcm); i += 2 {
		e.pending = append(e.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	var out [][]byte
	for len(e.pending) >= e.samples {
		n, err := e.enc.Encode(e.pending[:e.samples], e.packet)
		if err != nil {
			return out, fmt.Errorf("opus encode: %w", err)
		}
		out = append(out, append([]byte(nil), e.packet[:n]...))
		e.pending = e.pending[e.samples:]
	}
	return out, nil
}

// Reset drops buffered samples, e.g. after playback was cleared.
func (e *Encoder) Reset() { e.pending = e.pending[:0] }
