package tavus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
)

// renderWriteTimeout bounds one audio write to the replica sink.
const renderWriteTimeout = 2 * time.Second

type RendererConfig struct {
	Handle catalog.Handle
	// SinkURL is the websocket that receives agent audio for lip sync. The
	// replica publishes video into the room itself.
	SinkURL string
	Logger  *slog.Logger
}

// Renderer drives one Tavus conversation per session.
type Renderer struct {
	client *Client
	cfg    RendererConfig
	logger *slog.Logger
	dialer websocket.Dialer

	mu   sync.Mutex
	conv Conversation
	conn *websocket.Conn
}

func NewRenderer(client *Client, cfg RendererConfig) *Renderer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Renderer{
		client: client,
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "tavus"),
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 5 * time.Second},
	}
}

func (r *Renderer) Name() string { return "tavus" }

func (r *Renderer) Attach(ctx context.Context, info avatarapi.SessionInfo) error {
	if r.cfg.Handle.Replica.ID == "" {
		return errorsx.Wrap(errors.New("tavus: no replica resolved"), errorsx.ReasonAvatarAttach)
	}
	conv, err := r.client.CreateConversation(ctx, r.cfg.Handle.Replica.ID, r.cfg.Handle.Persona.ID, info.SessionID)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("create conversation: %w", err), errorsx.ReasonAvatarAttach)
	}
	r.mu.Lock()
	r.conv = conv
	r.mu.Unlock()
	r.logger.Info("tavus_conversation_created",
		slog.String("session_id", info.SessionID),
		slog.String("conversation_id", conv.ID))

	if r.cfg.SinkURL == "" {
		return nil
	}
	header := http.Header{"x-api-key": []string{r.client.APIKey}, "x-conversation-id": []string{conv.ID}}
	conn, _, err := r.dialer.DialContext(ctx, r.cfg.SinkURL, header)
	if err != nil {
		r.endConversation()
		return errorsx.Wrap(fmt.Errorf("dial audio sink: %w", err), errorsx.ReasonAvatarAttach)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// Render forwards agent audio to the replica. Video reaches the room from
// Tavus directly, so no frames are returned.
// A done ctx drops the chunk without writing it.
func (r *Renderer) Render(ctx context.Context, chunk frames.AudioChunk) ([]frames.VideoFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || len(chunk.Data) == 0 {
		return nil, nil
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(renderWriteTimeout)
	}
	_ = r.conn.SetWriteDeadline(deadline)
	if err := r.conn.WriteMessage(websocket.BinaryMessage, chunk.Data); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("tavus audio: %w", err), errorsx.ReasonAvatarRender)
	}
	return nil, nil
}

func (r *Renderer) Interrupt(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.WriteJSON(map[string]string{"event_type": "conversation.interrupt", "conversation_id": r.conv.ID})
}

func (r *Renderer) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	r.endConversation()
	return nil
}

func (r *Renderer) endConversation() {
	r.mu.Lock()
	id := r.conv.ID
	r.conv = Conversation{}
	r.mu.Unlock()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.EndConversation(ctx, id); err != nil {
		r.logger.Warn("tavus_conversation_end_failed", slog.String("conversation_id", id), slog.String("error", err.Error()))
		return
	}
	r.logger.Info("tavus_conversation_ended", slog.String("conversation_id", id))
}

var (
	_ avatarapi.Renderer    = (*Renderer)(nil)
	_ avatarapi.Interrupter = (*Renderer)(nil)
)
