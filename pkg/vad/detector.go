package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/duplex/pkg/errorsx"
)

var ErrDetectorClosed = errors.New("vad detector closed")

// Detector is the process-wide VAD. It holds either one shared
// concurrency-safe model or a fixed pool of model instances.
type Detector struct {
	name   string
	key    string
	shared Model
	pool   chan Model
	all    []Model

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDetector loads the model. Models that are not concurrency safe are
// loaded poolSize times.
func NewDetector(load Loader, poolSize int) (*Detector, error) {
	if load == nil {
		return nil, errors.New("vad loader is nil")
	}
	first, err := load()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("load vad model: %w", err), errorsx.ReasonVADLoad)
	}
	d := &Detector{name: first.Name(), closed: make(chan struct{})}
	if cs, ok := first.(ConcurrencySafe); ok && cs.ConcurrencySafe() {
		d.shared = first
		d.all = []Model{first}
		return d, nil
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	d.pool = make(chan Model, poolSize)
	d.pool <- first
	d.all = append(d.all, first)
	for i := 1; i < poolSize; i++ {
		m, err := load()
		if err != nil {
			_ = d.Close()
			return nil, errorsx.Wrap(fmt.Errorf("load vad model %d: %w", i, err), errorsx.ReasonVADLoad)
		}
		d.all = append(d.all, m)
		d.pool <- m
	}
	return d, nil
}

func (d *Detector) Name() string { return d.name }

// Size is the number of loaded model instances.
func (d *Detector) Size() int { return len(d.all) }

// Lease is one stream's hold on a model instance. A pooled instance is
// reset on acquire and stays with the stream until Release, so recurrent
// model state never mixes across streams.
type Lease struct {
	d        *Detector
	m        Model
	pooled   bool
	released atomic.Bool
}

// Acquire reserves a model for one stream, waiting for a free instance
// when the pool is exhausted.
func (d *Detector) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-d.closed:
		return nil, ErrDetectorClosed
	default:
	}
	if d.shared != nil {
		return &Lease{d: d, m: d.shared}, nil
	}
	var m Model
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, ErrDetectorClosed
	case m = <-d.pool:
	}
	if err := m.Reset(); err != nil {
		d.pool <- m
		return nil, errorsx.Wrap(fmt.Errorf("vad reset: %w", err), errorsx.ReasonVADInfer)
	}
	return &Lease{d: d, m: m, pooled: true}, nil
}

// Infer scores pcm with the leased instance.
func (l *Lease) Infer(pcm []byte, sampleRate int) (float64, error) {
	if l.released.Load() {
		return 0, ErrDetectorClosed
	}
	select {
	case <-l.d.closed:
		return 0, ErrDetectorClosed
	default:
	}
	return l.d.infer(l.m, pcm, sampleRate)
}

// Release hands a pooled instance back. It is safe to call more than once.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) || !l.pooled {
		return
	}
	l.d.pool <- l.m
}

func (d *Detector) infer(m Model, pcm []byte, sampleRate int) (float64, error) {
	p, err := m.Infer(pcm, sampleRate)
	if err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("vad infer: %w", err), errorsx.ReasonVADInfer)
	}
	return p, nil
}

func (d *Detector) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.key != "" {
			prewarmMu.Lock()
			if prewarmed[d.key] == d {
				delete(prewarmed, d.key)
			}
			prewarmMu.Unlock()
		}
		for _, m := range d.all {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

var (
	prewarmMu sync.Mutex
	prewarmed = map[string]*Detector{}
)

// Prewarm returns the worker's detector for model, loading it on first use.
// Later calls with the same model name share the instance.
func Prewarm(model string, poolSize int) (*Detector, error) {
	prewarmMu.Lock()
	defer prewarmMu.Unlock()
	if d, ok := prewarmed[model]; ok {
		return d, nil
	}
	load, err := LookupModel(model)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonVADLoad)
	}
	d, err := NewDetector(load, poolSize)
	if err != nil {
		return nil, err
	}
	d.key = model
	prewarmed[model] = d
	return d, nil
}
