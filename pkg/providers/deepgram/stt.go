package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/redact"
	"github.com/harunnryd/duplex/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errNotStarted = errors.New("deepgram: not started")

type Params struct {
	UtteranceEndMS int `mapstructure:"utterance_end_ms"`
	Endpointing    int `mapstructure:"endpointing_ms"`
}

type Config struct {
	APIKey      string
	Model       string
	Language    string
	SampleRate  int
	Encoding    string
	Interim     bool
	VADEvents   bool
	SessionID   string
	Participant string
	TraceID     string
	Params      Params
	// ConnectRetries is how often a failed connect is retried.
	ConnectRetries int
	Logger         *slog.Logger
}

// StreamingSTT transcribes PCM16 audio over Deepgram's live websocket.
type StreamingSTT struct {
	cfg    Config
	logger *slog.Logger
	retry  resilience.RetryPolicy

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	ctx        context.Context
	cancel     context.CancelFunc

	mu         sync.Mutex
	out        chan stt.Event
	closed     bool
	metaLogged bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan stt.Event, 256),
		logger: logging.NewComponentLogger(cfg.Logger, "deepgram_stt").With("session_id", cfg.SessionID),
		retry:  resilience.NewRetryPolicy(cfg.ConnectRetries, 200*time.Millisecond),
	}
}

// NewFactory adapts New to the transcriber factory used by sessions.
func NewFactory(base Config) stt.Factory {
	return func(c stt.Config) stt.Transcriber {
		cfg := base
		cfg.SessionID = c.SessionID
		cfg.Participant = c.Participant
		cfg.TraceID = c.TraceID
		if c.SampleRate > 0 {
			cfg.SampleRate = c.SampleRate
		}
		if c.Language != "" {
			cfg.Language = c.Language
		}
		return New(cfg)
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.Params.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.Params.UtteranceEndMS)
	}
	if s.cfg.Params.Endpointing > 0 {
		transcriptOptions.Endpointing = fmt.Sprintf("%d", s.cfg.Params.Endpointing)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.Bool("vad_events", s.cfg.VADEvents),
		slog.Int("sample_rate", s.cfg.SampleRate))

	err := s.retry.Do(s.ctx, func(ctx context.Context) error {
		dg, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
		if err != nil {
			return err
		}
		if !dg.Connect() {
			return errors.New("deepgram connection failed")
		}
		s.dgClient = dg
		return nil
	})
	if err != nil {
		s.logger.Error("deepgram_connect_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.logger.Info("deepgram_connected", slog.String("model", s.cfg.Model))

	go func() {
		err := s.dgClient.Stream(s.pipeReader)
		if err != nil && s.ctx.Err() == nil && !errors.Is(err, io.EOF) {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.fail(errorsx.WithKind(errorsx.Wrap(err, errorsx.ReasonSTTStream), errorsx.KindFatalTransport))
		}
	}()
	return nil
}

// Close stops the stream and closes Results. Safe to call more than once.
func (s *StreamingSTT) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
		s.logger.Info("deepgram_closed")
	}
	return nil
}

// SendAudio writes the frame to the stream and releases it.
func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	defer frames.ReleaseAudioFrame(frame)
	if s.pipeWriter == nil {
		return errNotStarted
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

func (s *StreamingSTT) push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full")
	}
}

func (s *StreamingSTT) fail(err error) {
	s.push(stt.Event{Kind: stt.EventError, Err: err})
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(text)),
		slog.Bool("is_final", isFinal))
	c.parent.push(stt.Event{
		Kind: stt.EventTranscript,
		Transcript: frames.TranscriptEvent{
			Text:        text,
			IsFinal:     isFinal,
			Start:       seconds(mr.Start),
			End:         seconds(mr.Start + mr.Duration),
			Participant: c.parent.cfg.Participant,
			Confidence:  alt.Confidence,
			At:          time.Now(),
		},
	})
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.push(stt.Event{Kind: stt.EventSpeechStarted})
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.push(stt.Event{Kind: stt.EventUtteranceEnd})
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	if c.parent.ctx != nil && c.parent.ctx.Err() == nil {
		c.parent.logger.Warn("deepgram_connection_closed_remotely")
		c.parent.fail(errorsx.WithKind(errorsx.Wrap(errors.New("deepgram closed the stream"), errorsx.ReasonSTTStream), errorsx.KindFatalTransport))
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	err := fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)
	if strings.Contains(er.ErrMsg, "429") || strings.Contains(strings.ToLower(er.ErrMsg), "rate limit") {
		err = resilience.RateLimitError{Provider: "deepgram", Message: er.ErrMsg}
	}
	c.parent.fail(errorsx.Wrap(err, errorsx.ReasonSTTStream))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.Transcriber = (*StreamingSTT)(nil)
