package frames

import (
	"sync"
	"time"
)

type AudioFrame struct {
	seq         uint64
	participant string
	at          time.Time
	data        []byte
	rate        int
	ch          int
	pooled      bool
}

func NewAudioFrame(participant string, seq uint64, data []byte, rate, ch int) AudioFrame {
	return AudioFrame{
		seq:         seq,
		participant: participant,
		at:          time.Now(),
		data:        data,
		rate:        rate,
		ch:          ch,
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. The holder of the
// frame must call ReleaseAudioFrame once the payload is no longer needed.
func NewAudioFrameFromPool(participant string, seq uint64, data []byte, rate, ch int) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		seq:         seq,
		participant: participant,
		at:          time.Now(),
		data:        buf,
		rate:        rate,
		ch:          ch,
		pooled:      true,
	}
}

func (a AudioFrame) Seq() uint64         { return a.seq }
func (a AudioFrame) Participant() string { return a.participant }
func (a AudioFrame) At() time.Time       { return a.at }
func (a AudioFrame) Data() []byte        { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte  { return a.data }
func (a AudioFrame) Rate() int           { return a.rate }
func (a AudioFrame) Channels() int       { return a.ch }

// Duration is the playback length of the frame assuming 16-bit samples.
func (a AudioFrame) Duration() time.Duration {
	return PCMDuration(len(a.data), a.rate, a.ch)
}

// WithPayload returns a frame with the same identity carrying data.
// Ownership of data moves to the returned frame.
func (a AudioFrame) WithPayload(data []byte) AudioFrame {
	a.data = data
	a.pooled = false
	return a
}

// Clone returns an independently owned copy from the pool.
func (a AudioFrame) Clone() AudioFrame {
	c := NewAudioFrameFromPool(a.participant, a.seq, a.data, a.rate, a.ch)
	c.at = a.at
	return c
}

func ReleaseAudioFrame(f AudioFrame) bool {
	if f.pooled {
		ReleaseAudioBuf(f.data)
		return true
	}
	return false
}

// PCMDuration converts a PCM16 byte count into a duration.
func PCMDuration(n, rate, ch int) time.Duration {
	if rate <= 0 {
		return 0
	}
	if ch <= 0 {
		ch = 1
	}
	samples := n / (2 * ch)
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

type TranscriptEvent struct {
	Text        string
	IsFinal     bool
	Start       time.Duration
	End         time.Duration
	Participant string
	Confidence  float64
	At          time.Time
}

// Turn is one confirmed user utterance. It is never modified after creation.
type Turn struct {
	ID          uint64
	Participant string
	Transcript  string
	Start       time.Time
	End         time.Time
	Forced      bool
}

type ReplySegment struct {
	TurnID uint64
	Index  int
	Text   string
	Last   bool
}

type AudioChunk struct {
	TurnID     uint64
	Segment    int
	Seq        int
	Data       []byte
	SampleRate int
	Last       bool
	LastOfTurn bool
}

func (c AudioChunk) Duration() time.Duration {
	return PCMDuration(len(c.Data), c.SampleRate, 1)
}

type VideoFrame struct {
	TurnID uint64
	Seq    int
	Data   []byte
	Width  int
	Height int
	PTS    time.Duration
}

// SeqGen hands out monotonic sequence numbers per participant.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]uint64)}
}

func (g *SeqGen) Next(participant string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[participant] + 1
	g.value[participant] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}
