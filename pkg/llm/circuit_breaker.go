package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/resilience"
)

// CircuitBreakerAdapter stops calling a rate-limited model for a while.
// Denied calls fail fast with a rate limit error, which the session treats
// as transient, so a turn is dropped instead of waiting on the provider.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker

	mu    sync.Mutex
	obs   metrics.Observer
	state resilience.BreakerState
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver receives breaker_open, breaker_close and breaker_denied.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) {
	a.mu.Lock()
	a.obs = obs
	a.mu.Unlock()
}

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if err := a.admit(); err != nil {
		return Response{}, err
	}
	resp, err := a.inner.Generate(ctx, input)
	a.settle(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Stream counts a successfully opened stream as a success; errors inside
// the stream are the caller's to retry.
func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan Chunk, error) {
	if err := a.admit(); err != nil {
		return nil, err
	}
	ch, err := a.inner.Stream(ctx, input)
	a.settle(err)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *CircuitBreakerAdapter) admit() error {
	if a.breaker.Allow() {
		a.track()
		return nil
	}
	a.record(metrics.EventBreakerDenied, nil)
	err := resilience.RateLimitError{Provider: a.Name(), Message: "circuit open", RetryAfter: a.breaker.Remaining()}
	return errorsx.Wrap(err, errorsx.ReasonLLMCircuitOpen)
}

func (a *CircuitBreakerAdapter) settle(err error) {
	switch {
	case err == nil:
		a.breaker.OnSuccess()
	case resilience.IsRateLimit(err):
		a.record(metrics.EventRateLimit, nil)
		a.breaker.OnError(err)
	default:
		a.breaker.OnError(err)
	}
	a.track()
}

// track emits an event whenever the breaker moved between open and closed.
func (a *CircuitBreakerAdapter) track() {
	st := a.breaker.State()
	a.mu.Lock()
	prev := a.state
	a.state = st
	a.mu.Unlock()
	if st == prev {
		return
	}
	switch st {
	case resilience.BreakerOpen:
		a.record(metrics.EventBreakerOpen, map[string]string{"retry_after": a.breaker.Remaining().Round(time.Second).String()})
	case resilience.BreakerClosed:
		a.record(metrics.EventBreakerClose, nil)
	}
}

func (a *CircuitBreakerAdapter) record(name string, extra map[string]string) {
	a.mu.Lock()
	obs := a.obs
	a.mu.Unlock()
	if obs == nil {
		return
	}
	tags := map[string]string{
		metrics.TagProvider:  a.inner.Name(),
		metrics.TagComponent: "llm",
	}
	for k, v := range extra {
		tags[k] = v
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

var _ LLMAdapter = (*CircuitBreakerAdapter)(nil)
