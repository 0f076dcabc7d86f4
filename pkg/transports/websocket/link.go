package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/duplex/pkg/audio"
	"github.com/harunnryd/duplex/pkg/codec/opus"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/transports"
)

type outbound struct {
	kind int
	data []byte
}

type Link struct {
	t      *Transport
	conn   *gws.Conn
	id     string
	room   string
	part   frames.Participant
	rate   int
	logger *slog.Logger
	seq    *frames.SeqGen

	dec *opus.Decoder
	enc *opus.Encoder

	audio  chan frames.AudioFrame
	sendCh chan outbound
	done   chan struct{}

	mu   sync.Mutex
	left bool
	err  error
}

func newLink(t *Transport, conn *gws.Conn, id, room string, p frames.Participant) (*Link, error) {
	l := &Link{
		t:      t,
		conn:   conn,
		id:     id,
		room:   room,
		part:   p,
		rate:   t.cfg.SampleRate,
		seq:    frames.NewSeqGen(),
		audio:  make(chan frames.AudioFrame, 256),
		sendCh: make(chan outbound, 256),
		done:   make(chan struct{}),
	}
	l.logger = t.logger.With(slog.String("link_id", id), slog.String("room", room), slog.String("participant", p.Identity))
	if t.cfg.Codec == CodecOpus {
		var err error
		if l.dec, err = opus.NewDecoder(l.rate); err != nil {
			return nil, err
		}
		if l.enc, err = opus.NewEncoder(l.rate); err != nil {
			return nil, err
		}
	}
	go l.writeLoop()
	return l, nil
}

func (l *Link) ID() string                      { return l.id }
func (l *Link) Room() string                    { return l.room }
func (l *Link) Participant() frames.Participant { return l.part }
func (l *Link) Audio() <-chan frames.AudioFrame { return l.audio }
func (l *Link) Done() <-chan struct{}           { return l.done }

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) readLoop() {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				l.leave(nil)
			} else {
				l.leave(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		switch kind {
		case gws.BinaryMessage:
			l.receive(data)
		case gws.TextMessage:
			var c control
			if json.Unmarshal(data, &c) == nil && c.Type == "leave" {
				l.leave(nil)
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (l *Link) receive(data []byte) {
	pcm := data
	if l.dec != nil {
		var err error
		if pcm, err = l.dec.Decode(data); err != nil {
			l.logger.Warn("websocket_decode_failed", slog.String("error", err.Error()))
			return
		}
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return
	}
	select {
	case l.audio <- frames.NewAudioFrame(l.part.Identity, l.seq.Next(l.part.Identity), pcm, l.rate, 1):
	default:
		l.logger.Warn("websocket_inbound_audio_dropped")
	}
}

func (l *Link) SendAudio(c frames.AudioChunk) error {
	if len(c.Data) == 0 {
		return nil
	}
	pcm := c.Data
	if c.SampleRate > 0 && c.SampleRate != l.rate {
		pcm = audio.Resample(pcm, c.SampleRate, l.rate)
	}
	if l.enc == nil {
		return l.enqueue(outbound{kind: gws.BinaryMessage, data: pcm})
	}
	l.mu.Lock()
	packets, err := l.enc.Encode(pcm)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	for _, p := range packets {
		if err := l.enqueue(outbound{kind: gws.BinaryMessage, data: p}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) SendVideo(f frames.VideoFrame) error {
	b, err := encodeControl(control{
		Type:   "video",
		Seq:    f.Seq,
		Turn:   f.TurnID,
		Width:  f.Width,
		Height: f.Height,
		PTSMS:  f.PTS.Milliseconds(),
		Data:   f.Data,
	})
	if err != nil {
		return err
	}
	return l.enqueue(outbound{kind: gws.TextMessage, data: b})
}

// ClearPlayback drops unsent audio and asks the client to flush its
// jitter buffer.
func (l *Link) ClearPlayback() error {
drain:
	for {
		select {
		case <-l.sendCh:
		default:
			break drain
		}
	}
	if l.enc != nil {
		l.mu.Lock()
		l.enc.Reset()
		l.mu.Unlock()
	}
	b, _ := encodeControl(control{Type: "clear"})
	return l.enqueue(outbound{kind: gws.TextMessage, data: b})
}

func (l *Link) enqueue(m outbound) error {
	select {
	case <-l.done:
		return transports.ErrLinkClosed
	default:
	}
	select {
	case <-l.done:
		return transports.ErrLinkClosed
	case l.sendCh <- m:
		return nil
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case m := <-l.sendCh:
			if err := l.conn.WriteMessage(m.kind, m.data); err != nil {
				l.leave(fmt.Errorf("websocket write: %w", err))
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (l *Link) Close() error {
	l.leave(nil)
	_ = l.conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
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
	if err != nil {
		l.logger.Warn("participant_lost", slog.String("error", err.Error()))
	} else {
		l.logger.Info("participant_left")
	}
}

var _ transports.Link = (*Link)(nil)
