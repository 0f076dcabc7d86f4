// Package websocket is a browser room boundary: each websocket connection
// is one participant streaming mono audio as binary messages.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/duplex/pkg/codec/opus"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/transports"
)

const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Codec          string   `mapstructure:"codec"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8081"
	}
	if c.Path == "" {
		c.Path = "/room"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Codec == "" {
		c.Codec = CodecPCM
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) Validate() error {
	switch c.Codec {
	case CodecPCM:
	case CodecOpus:
		if !opus.Available() {
			return opus.ErrUnavailable
		}
	default:
		return fmt.Errorf("websocket transport: unknown codec %q", c.Codec)
	}
	return nil
}

type Transport struct {
	cfg      Config
	upgrader gws.Upgrader
	logger   *slog.Logger
	server   *http.Server
	links    chan transports.Link

	mu       sync.Mutex
	live     map[string]*Link
	draining atomic.Bool
	stopOnce sync.Once
}

func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "websocket_transport"),
		links:  make(chan transports.Link, 16),
		live:   make(map[string]*Link),
	}
	t.upgrader = gws.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: t.checkOrigin}
	return t, nil
}

func (t *Transport) Name() string                  { return "websocket" }
func (t *Transport) Links() <-chan transports.Link { return t.links }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"room_url": "ws://" + strings.TrimPrefix(t.cfg.ServerAddr, ":") + t.cfg.Path, "codec": t.cfg.Codec}
}

func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{Addr: t.cfg.ServerAddr, ReadHeaderTimeout: 5 * time.Second, Handler: t.Handler()}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("websocket_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.server != nil {
			_ = t.server.Close()
		}
		t.mu.Lock()
		live := t.live
		t.live = make(map[string]*Link)
		close(t.links)
		t.mu.Unlock()
		for _, l := range live {
			l.leave(nil)
		}
	})
	return nil
}

// ServeHTTP upgrades a participant. Query parameters: room, identity and
// kind (standard, sip, agent).
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	identity := strings.TrimSpace(q.Get("identity"))
	if identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	attrs := map[string]string{}
	for k, v := range q {
		if strings.HasPrefix(k, "attr.") && len(v) > 0 {
			attrs[strings.TrimPrefix(k, "attr.")] = v[0]
		}
	}
	kind := frames.ParseParticipantKind(q.Get("kind"))
	if kind == frames.KindUnknown && q.Get("kind") == "" {
		kind = frames.KindStandard
	}
	l, err := newLink(t, conn, uuid.NewString(), q.Get("room"), frames.NewParticipant(identity, kind, attrs))
	if err != nil {
		t.logger.Error("websocket_codec_init_failed", "error", err.Error())
		_ = conn.Close()
		return
	}
	if !t.admit(l) {
		l.leave(transports.ErrLinkClosed)
		_ = conn.Close()
		return
	}
	l.readLoop()
	t.forget(l)
}

func (t *Transport) admit(l *Link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining.Load() {
		return false
	}
	select {
	case t.links <- l:
		t.live[l.id] = l
		l.logger.Info("participant_joined", slog.String("kind", l.part.Kind.String()))
		return true
	default:
		l.logger.Warn("websocket_link_queue_full")
		return false
	}
}

func (t *Transport) forget(l *Link) {
	t.mu.Lock()
	delete(t.live, l.id)
	t.mu.Unlock()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	return transports.OriginAllowed(r, t.cfg.AllowedOrigins)
}

// control is a text message in either direction.
type control struct {
	Type string `json:"type"`
	// Video frames travel as base64 in Data.
	Seq    int    `json:"seq,omitempty"`
	Turn   uint64 `json:"turn,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	PTSMS  int64  `json:"pts_ms,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

func encodeControl(c control) ([]byte, error) { return json.Marshal(c) }

var _ transports.Transport = (*Transport)(nil)
