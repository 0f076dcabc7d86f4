package twilio

import (
	"context"
	"encoding/base64"
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
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/transports"
)

// Media streams carry 8kHz mono mu-law.
const streamRate = 8000

// Query and stream parameter names carrying dial context into a call.
const (
	paramRoom    = "room"
	paramTraceID = "trace_id"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// SampleRate is the PCM16 rate links deliver and expect.
	SampleRate int `mapstructure:"sample_rate"`
	// HangupOnClose completes the call over REST when a link is closed by
	// the agent.
	HangupOnClose bool `mapstructure:"hangup_on_close"`
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Transport accepts Twilio media streams and delivers each call as a Link.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	links    chan transports.Link

	updateClient callUpdater

	mu    sync.Mutex
	calls map[string]*Link

	draining atomic.Bool
	stopOnce sync.Once
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(cfg.Logger, "twilio_transport"),
		links:  make(chan transports.Link, 16),
		calls:  make(map[string]*Link),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Links() <-chan transports.Link { return t.links }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.publicURL("https", t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop refuses new streams, drops every live call and closes Links.
func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.server != nil {
			_ = t.server.Close()
		}
		t.mu.Lock()
		calls := t.calls
		t.calls = make(map[string]*Link)
		close(t.links)
		t.mu.Unlock()
		for _, l := range calls {
			l.leave(nil)
		}
	})
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var link *Link
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if link != nil {
				link.leave(fmt.Errorf("twilio stream: %w", err))
				t.forget(link)
			}
			return
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || link != nil {
				continue
			}
			link = t.newLink(conn, evt.Start)
			if !t.admit(link) {
				link.leave(transports.ErrLinkClosed)
				return
			}
		case "media":
			if link == nil || evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			link.push(payload)
		case "dtmf":
			if link != nil && evt.DTMF != nil {
				link.logger.Info("twilio_dtmf_received", slog.String("digit", evt.DTMF.Digit))
			}
		case "stop":
			if link != nil {
				link.leave(nil)
				t.forget(link)
			}
			return
		}
	}
}

func (t *Transport) newLink(conn *websocket.Conn, start *StreamStart) *Link {
	identity := start.From
	if identity == "" {
		identity = start.CallSID
	}
	room := start.CustomParameters[paramRoom]
	if room == "" {
		room = start.CallSID
	}
	traceID := start.CustomParameters[paramTraceID]
	if traceID == "" {
		traceID = uuid.NewString()
	}
	attrs := map[string]string{
		"sip.callID":       start.CallSID,
		"sip.phoneNumber":  start.From,
		"twilio.streamSid": start.StreamSID,
		"trace_id":         traceID,
	}
	l := &Link{
		t:       t,
		conn:    conn,
		callSID: start.CallSID,
		stream:  start.StreamSID,
		room:    room,
		part:    frames.NewParticipant(identity, frames.KindTelephony, attrs),
		rate:    t.cfg.SampleRate,
		audio:   make(chan frames.AudioFrame, 256),
		sendCh:  make(chan []byte, 256),
		done:    make(chan struct{}),
		seq:     frames.NewSeqGen(),
	}
	l.logger = t.logger.With(slog.String("call_sid", l.callSID), slog.String("stream_sid", l.stream))
	go l.writeLoop()
	return l
}

func (t *Transport) admit(l *Link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining.Load() {
		return false
	}
	if old := t.calls[l.callSID]; old != nil {
		// Twilio reconnected the stream; the old link is gone.
		go old.leave(errors.New("twilio stream replaced"))
	}
	t.calls[l.callSID] = l
	select {
	case t.links <- l:
		l.logger.Info("twilio_call_started", slog.String("participant", l.part.Identity))
		return true
	default:
		delete(t.calls, l.callSID)
		l.logger.Warn("twilio_link_queue_full")
		return false
	}
}

func (t *Transport) forget(l *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls[l.callSID] == l {
		delete(t.calls, l.callSID)
	}
}

func (t *Transport) link(callSID string) *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callSID]
}

// Dial places an outbound call that connects back to this transport.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

func (t *Transport) updater() (callUpdater, error) {
	if t.updateClient != nil {
		return t.updateClient, nil
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: t.cfg.AccountSID,
		Password: t.cfg.AuthToken,
	})
	return rest.Api, nil
}

func (t *Transport) hangup(callSID string) error {
	updater, err := t.updater()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err = updater.UpdateCall(callSID, params)
	return err
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	params := map[string]string{paramRoom: q.Get(paramRoom), paramTraceID: q.Get(paramTraceID)}
	body, err := connectStream(t.cfg.VoiceGreeting, t.websocketURL(r), params, paramRoom, paramTraceID)
	if err != nil {
		t.logger.Error("twilio_twiml_failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(body)
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason != "" && callSID != "" {
		if l := t.link(callSID); l != nil {
			l.logger.Info("twilio_call_ended", slog.String("reason", reason))
			var err error
			if reason != "completed" {
				err = fmt.Errorf("twilio call %s", reason)
			}
			l.leave(err)
			t.forget(l)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicURL("https", t.cfg.VoicePath)
}

func (t *Transport) publicURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// validateTwilioRequest checks X-Twilio-Signature against the form
// parameters of r.
func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.Validate(t.requestURL(r), params, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	return t.cfg.AllowAnyOrigin || transports.OriginAllowed(r, t.cfg.AllowedOrigins)
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
	return strings.TrimRight(v, "/")
}

type StreamStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamDTMF struct {
	Digit string `json:"digit"`
}

type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	DTMF  *StreamDTMF  `json:"dtmf,omitempty"`
}

var (
	_ transports.Transport                 = (*Transport)(nil)
	_ transports.OutboundDialer            = (*Transport)(nil)
	_ transports.OutboundDialerWithOptions = (*Transport)(nil)
	_ transports.ReadyReporter             = (*Transport)(nil)
)
