package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/redact"
	"github.com/harunnryd/duplex/pkg/vad"
)

type SignalKind int

const (
	SignalStarted SignalKind = iota + 1
	SignalProvisional
	SignalRetracted
	SignalConfirmed
)

func (k SignalKind) String() string {
	switch k {
	case SignalStarted:
		return "started"
	case SignalProvisional:
		return "provisional"
	case SignalRetracted:
		return "retracted"
	case SignalConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Signal is a turn boundary decision. Turn is only set for SignalConfirmed.
type Signal struct {
	Kind        SignalKind
	TurnID      uint64
	Transcript  string
	Probability float64
	At          time.Time
	Turn        frames.Turn
}

type Config struct {
	Participant string
	// SilenceThreshold applies when the predictor deems the turn complete,
	// MaxSilenceThreshold otherwise.
	SilenceThreshold    time.Duration
	MaxSilenceThreshold time.Duration
	FinalizeTimeout     time.Duration
	Preemptive          bool
	PreemptiveThreshold float64
	LikelyThreshold     float64
	QueueSize           int
}

func (c Config) withDefaults() Config {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 500 * time.Millisecond
	}
	if c.MaxSilenceThreshold < c.SilenceThreshold {
		c.MaxSilenceThreshold = c.SilenceThreshold
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 1200 * time.Millisecond
	}
	if c.PreemptiveThreshold <= 0 {
		c.PreemptiveThreshold = 0.6
	}
	if c.LikelyThreshold <= 0 {
		c.LikelyThreshold = 0.5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

type prediction struct {
	text string
	prob float64
	err  error
}

// Detector decides where a user turn ends from VAD boundaries and the
// transcript stream. All state is owned by the Run goroutine.
type Detector struct {
	cfg       Config
	predictor Predictor
	logger    *slog.Logger
	signals   chan Signal
	preds     chan prediction
	now       func() time.Time

	lastID uint64

	active      bool
	speaking    bool
	provisional bool
	id          uint64
	start       time.Time
	lastSpeech  time.Time
	finals      []string
	partial     string
	prob        float64
	probFor     string
	predicting  string

	// awaitFinal is set by each speech start and cleared by the next final
	// transcript, so the latest span counts as unfinalized until STT
	// reports on it.
	awaitFinal bool

	timer  *time.Timer
	timerC <-chan time.Time
}

func NewDetector(cfg Config, predictor Predictor, logger *slog.Logger) *Detector {
	cfg = cfg.withDefaults()
	if predictor == nil {
		predictor = PunctuationPredictor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:       cfg,
		predictor: predictor,
		logger:    logging.NewComponentLogger(logger, "turn_detector"),
		signals:   make(chan Signal, cfg.QueueSize),
		preds:     make(chan prediction),
		now:       time.Now,
	}
}

func (d *Detector) Signals() <-chan Signal { return d.signals }

// Run consumes VAD events and transcripts until both inputs close or ctx
// ends. Signals is closed on return.
func (d *Detector) Run(ctx context.Context, events <-chan vad.Event, transcripts <-chan frames.TranscriptEvent) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(d.signals)
	defer d.disarm()
	for events != nil || transcripts != nil {
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, open := <-events:
			if !open {
				events = nil
				continue
			}
			ok = d.onVAD(ctx, ev)
		case tr, open := <-transcripts:
			if !open {
				transcripts = nil
				continue
			}
			ok = d.onTranscript(ctx, tr)
		case p := <-d.preds:
			ok = d.onPrediction(ctx, p)
		case <-d.timerC:
			d.timerC = nil
			ok = d.evaluate(ctx)
		}
		if !ok {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Detector) onVAD(ctx context.Context, ev vad.Event) bool {
	at := ev.At
	if at.IsZero() {
		at = d.now()
	}
	switch ev.Kind {
	case vad.SpeechStart:
		d.disarm()
		d.speaking = true
		d.awaitFinal = true
		if !d.active {
			d.lastID++
			d.id = d.lastID
			d.active = true
			d.start = at
			d.logger.Debug("turn_started", "turn_id", d.id)
			return d.emit(ctx, Signal{Kind: SignalStarted, TurnID: d.id, At: at})
		}
		if d.provisional {
			d.provisional = false
			d.logger.Debug("turn_retracted", "turn_id", d.id)
			return d.emit(ctx, Signal{Kind: SignalRetracted, TurnID: d.id, Transcript: d.transcript(), At: at})
		}
	case vad.SpeechEnd:
		if !d.active {
			return true
		}
		d.speaking = false
		d.lastSpeech = at
		return d.evaluate(ctx)
	}
	return true
}

func (d *Detector) onTranscript(ctx context.Context, tr frames.TranscriptEvent) bool {
	if !d.active {
		if strings.TrimSpace(tr.Text) != "" {
			d.logger.Debug("transcript_outside_turn", "final", tr.IsFinal, "text", redact.Text(tr.Text))
		}
		return true
	}
	text := strings.TrimSpace(tr.Text)
	if tr.IsFinal {
		if text != "" {
			d.finals = append(d.finals, text)
		}
		d.partial = ""
		d.awaitFinal = false
	} else {
		d.partial = text
	}
	if d.speaking {
		return true
	}
	return d.evaluate(ctx)
}

func (d *Detector) onPrediction(ctx context.Context, p prediction) bool {
	if d.predicting == p.text {
		d.predicting = ""
	}
	if p.err != nil {
		d.logger.Warn("end_of_turn_predictor_failed", "error", p.err)
		p.prob = punctuationScore(p.text, "")
	}
	if !d.active || p.text != d.transcript() {
		return true
	}
	d.prob, d.probFor = p.prob, p.text
	if d.speaking {
		return true
	}
	return d.evaluate(ctx)
}

// evaluate runs whenever the user is silent and something changed.
func (d *Detector) evaluate(ctx context.Context) bool {
	d.disarm()
	if !d.active || d.speaking {
		return true
	}
	now := d.now()
	text := d.transcript()
	prob := d.probability(ctx, text)

	if d.cfg.Preemptive && !d.provisional && text != "" && prob >= d.cfg.PreemptiveThreshold {
		d.provisional = true
		d.logger.Debug("turn_provisional", "turn_id", d.id, "probability", prob)
		if !d.emit(ctx, Signal{Kind: SignalProvisional, TurnID: d.id, Transcript: text, Probability: prob, At: now}) {
			return false
		}
	}

	threshold := d.cfg.MaxSilenceThreshold
	if prob >= d.cfg.LikelyThreshold {
		threshold = d.cfg.SilenceThreshold
	}
	silence := now.Sub(d.lastSpeech)
	if silence < threshold {
		d.arm(threshold - silence)
		return true
	}
	if d.partial == "" && !d.awaitFinal && text != "" {
		return d.confirm(ctx, text, prob, false, now)
	}
	deadline := threshold + d.cfg.FinalizeTimeout
	if silence < deadline {
		d.arm(deadline - silence)
		return true
	}
	if text == "" {
		d.logger.Debug("turn_discarded_empty", "turn_id", d.id)
		d.reset()
		return true
	}
	return d.confirm(ctx, text, prob, true, now)
}

func (d *Detector) confirm(ctx context.Context, text string, prob float64, forced bool, now time.Time) bool {
	t := frames.Turn{
		ID:          d.id,
		Participant: d.cfg.Participant,
		Transcript:  text,
		Start:       d.start,
		End:         d.lastSpeech,
		Forced:      forced,
	}
	d.reset()
	d.logger.Debug("turn_confirmed", "turn_id", t.ID, "forced", forced)
	return d.emit(ctx, Signal{Kind: SignalConfirmed, TurnID: t.ID, Transcript: text, Probability: prob, At: now, Turn: t})
}

// probability returns the predictor's score for text when known, and the
// punctuation estimate while a prediction is in flight.
func (d *Detector) probability(ctx context.Context, text string) float64 {
	if text == "" {
		return 0
	}
	if d.probFor == text {
		return d.prob
	}
	if p, ok := d.predictor.(PunctuationPredictor); ok {
		d.prob = punctuationScore(text, p.Terminal)
		d.probFor = text
		return d.prob
	}
	if d.predicting != text {
		d.predicting = text
		go func(pred Predictor) {
			prob, err := pred.PredictEndOfTurn(ctx, text)
			select {
			case d.preds <- prediction{text: text, prob: prob, err: err}:
			case <-ctx.Done():
			}
		}(d.predictor)
	}
	return punctuationScore(text, "")
}

func (d *Detector) transcript() string {
	parts := d.finals
	if d.partial != "" {
		parts = append(parts[:len(parts):len(parts)], d.partial)
	}
	return strings.Join(parts, " ")
}

func (d *Detector) reset() {
	d.disarm()
	d.active = false
	d.speaking = false
	d.provisional = false
	d.finals = nil
	d.partial = ""
	d.awaitFinal = false
	d.prob = 0
	d.probFor = ""
}

func (d *Detector) arm(after time.Duration) {
	d.disarm()
	d.timer = time.NewTimer(after)
	d.timerC = d.timer.C
}

func (d *Detector) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerC = nil
}

func (d *Detector) emit(ctx context.Context, sig Signal) bool {
	select {
	case <-ctx.Done():
		return false
	case d.signals <- sig:
		return true
	}
}
