package twilio

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/duplex/pkg/audio"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/transports"
)

// Link is one Twilio call. Inbound mu-law is decoded to PCM16 at the
// configured rate; outbound PCM16 is encoded back to 8kHz mu-law.
type Link struct {
	t       *Transport
	conn    *websocket.Conn
	callSID string
	stream  string
	room    string
	part    frames.Participant
	rate    int
	logger  *slog.Logger
	seq     *frames.SeqGen

	audio  chan frames.AudioFrame
	sendCh chan []byte
	done   chan struct{}

	mu     sync.Mutex
	left   bool
	err    error
	closed bool
}

func (l *Link) ID() string                      { return l.stream }
func (l *Link) Room() string                    { return l.room }
func (l *Link) Participant() frames.Participant { return l.part }
func (l *Link) Audio() <-chan frames.AudioFrame { return l.audio }
func (l *Link) Done() <-chan struct{}           { return l.done }

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) push(mulaw []byte) {
	pcm := audio.Resample(audio.MuLawDecode(mulaw), streamRate, l.rate)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return
	}
	f := frames.NewAudioFrame(l.part.Identity, l.seq.Next(l.part.Identity), pcm, l.rate, 1)
	select {
	case l.audio <- f:
	default:
		l.logger.Warn("twilio_inbound_audio_dropped")
	}
}

func (l *Link) SendAudio(c frames.AudioChunk) error {
	if len(c.Data) == 0 {
		return nil
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = l.rate
	}
	payload := audio.MuLawEncode(audio.Resample(c.Data, rate, streamRate))
	return l.enqueue(map[string]any{
		"event":     "media",
		"streamSid": l.stream,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}, true)
}

// SendVideo is a no-op: phone calls carry no video.
func (l *Link) SendVideo(frames.VideoFrame) error {
	select {
	case <-l.done:
		return transports.ErrLinkClosed
	default:
		return nil
	}
}

// ClearPlayback drops queued media and tells Twilio to flush its buffer.
func (l *Link) ClearPlayback() error {
drain:
	for {
		select {
		case <-l.sendCh:
		default:
			break drain
		}
	}
	return l.enqueue(map[string]any{"event": "clear", "streamSid": l.stream}, false)
}

func (l *Link) enqueue(msg map[string]any, wait bool) error {
	select {
	case <-l.done:
		return transports.ErrLinkClosed
	default:
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !wait {
		select {
		case <-l.done:
			return transports.ErrLinkClosed
		case l.sendCh <- b:
		default:
		}
		return nil
	}
	select {
	case <-l.done:
		return transports.ErrLinkClosed
	case l.sendCh <- b:
		return nil
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.sendCh:
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.leave(err)
				return
			}
		}
	}
}

// Close ends the call from the agent side.
func (l *Link) Close() error {
	l.mu.Lock()
	first := !l.closed
	l.closed = true
	l.mu.Unlock()
	if !first {
		return nil
	}
	if l.t.cfg.HangupOnClose && l.callSID != "" {
		if err := l.t.hangup(l.callSID); err != nil {
			l.logger.Warn("twilio_hangup_failed", slog.String("error", err.Error()))
		}
	}
	l.leave(nil)
	l.t.forget(l)
	return l.conn.Close()
}

func (l *Link) leave(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return
	}
	l.left = true
	l.err = err
	l.part.SetPresence(frames.PresenceLeft)
	close(l.audio)
	close(l.done)
}

var _ transports.Link = (*Link)(nil)
