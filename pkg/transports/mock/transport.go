package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	links  chan transports.Link
	closed atomic.Bool
	mu     sync.Mutex
	all    []*Link
}

func New() *Transport {
	return &Transport{links: make(chan transports.Link, 16)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.links)
		links := t.all
		t.mu.Unlock()
		for _, l := range links {
			l.Leave(nil)
		}
	}
	return nil
}

func (t *Transport) Links() <-chan transports.Link { return t.links }

// Join connects a participant and returns its link.
func (t *Transport) Join(id, room string, p frames.Participant) *Link {
	l := NewLink(id, room, p)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		l.Leave(nil)
		return l
	}
	t.all = append(t.all, l)
	t.links <- l
	return l
}

// Link records everything the agent sends.
type Link struct {
	id    string
	room  string
	part  frames.Participant
	audio chan frames.AudioFrame
	done  chan struct{}
	seq   *frames.SeqGen

	mu      sync.Mutex
	left    bool
	err     error
	sent    []frames.AudioChunk
	video   []frames.VideoFrame
	clears  int
	onSend  func(frames.AudioChunk)
	sendErr error
}

func NewLink(id, room string, p frames.Participant) *Link {
	return &Link{
		id:    id,
		room:  room,
		part:  p,
		audio: make(chan frames.AudioFrame, 256),
		done:  make(chan struct{}),
		seq:   frames.NewSeqGen(),
	}
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

// Push injects inbound PCM as the next frame.
func (l *Link) Push(pcm []byte, rate int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return
	}
	l.audio <- frames.NewAudioFrame(l.part.Identity, l.seq.Next(l.part.Identity), pcm, rate, 1)
}

func (l *Link) SendAudio(c frames.AudioChunk) error {
	l.mu.Lock()
	if l.left {
		l.mu.Unlock()
		return transports.ErrLinkClosed
	}
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, c)
	hook := l.onSend
	l.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (l *Link) SendVideo(f frames.VideoFrame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return transports.ErrLinkClosed
	}
	l.video = append(l.video, f)
	return nil
}

func (l *Link) ClearPlayback() error {
	l.mu.Lock()
	l.clears++
	l.mu.Unlock()
	return nil
}

func (l *Link) Close() error {
	l.Leave(nil)
	return nil
}

// Leave disconnects the participant; err is reported by Err.
func (l *Link) Leave(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return
	}
	l.left = true
	l.err = err
	close(l.audio)
	close(l.done)
}

// OnSend installs a hook called after each accepted audio chunk.
func (l *Link) OnSend(fn func(frames.AudioChunk)) {
	l.mu.Lock()
	l.onSend = fn
	l.mu.Unlock()
}

// FailSends makes every later SendAudio return err.
func (l *Link) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

func (l *Link) Sent() []frames.AudioChunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]frames.AudioChunk(nil), l.sent...)
}

func (l *Link) Video() []frames.VideoFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]frames.VideoFrame(nil), l.video...)
}

func (l *Link) Clears() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clears
}

var (
	_ transports.Transport = (*Transport)(nil)
	_ transports.Link      = (*Link)(nil)
)
