package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyHonoursRetryable(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond)
	p.Retryable = func(err error) bool { return IsRateLimit(err) }
	calls := 0
	fatal := errors.New("bad request")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single attempt with fatal error, calls=%d err=%v", calls, err)
	}
}

func TestRetryPolicyCanceledContext(t *testing.T) {
	p := NewRetryPolicy(3, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return RateLimitError{Provider: "x"}
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !IsRateLimit(err) {
			t.Fatalf("expected last error returned, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("retry did not observe cancellation")
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	cb.OnError(errors.New("not a rate limit"))
	if !cb.Allow() {
		t.Fatalf("plain errors must not open the breaker")
	}
	cb.OnError(RateLimitError{})
	cb.OnError(RateLimitError{})
	if cb.Allow() {
		t.Fatalf("expected breaker open after threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(RateLimitError{RetryAfter: 2 * time.Minute})
	if cb.State() != BreakerOpen || cb.Remaining() != 2*time.Minute {
		t.Fatalf("expected open for the retry hint, state=%s remaining=%s", cb.State(), cb.Remaining())
	}
	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected a probe after cooldown")
	}
	if cb.Allow() {
		t.Fatalf("only one probe may run while half open")
	}
	cb.OnError(RateLimitError{})
	if cb.State() != BreakerOpen || cb.Remaining() != time.Minute {
		t.Fatalf("failed probe should reopen for the cooldown, state=%s remaining=%s", cb.State(), cb.Remaining())
	}
	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected second probe")
	}
	cb.OnSuccess()
	if cb.State() != BreakerClosed || !cb.Allow() {
		t.Fatalf("successful probe should close the breaker")
	}
}

func TestCircuitBreakerCustomTrips(t *testing.T) {
	errUpstream := errors.New("503")
	cb := NewCircuitBreaker(2, time.Hour)
	cb.Trips = func(err error) bool { return errors.Is(err, errUpstream) }
	cb.OnError(RateLimitError{})
	cb.OnError(errUpstream)
	if !cb.Allow() {
		t.Fatalf("one tripping failure is below the threshold")
	}
	cb.OnError(errUpstream)
	if cb.Allow() {
		t.Fatalf("expected open after two tripping failures")
	}
}

func TestRateLimitFromResponse(t *testing.T) {
	resp := &http.Response{Status: "429 Too Many Requests", StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "3")
	rl := RateLimitFromResponse("openai", resp, "")
	if rl.RetryAfter != 3*time.Second || rl.Message != "429 Too Many Requests" {
		t.Fatalf("unexpected rate limit: %+v", rl)
	}
	if rl.Error() != "openai: 429 Too Many Requests" {
		t.Fatalf("unexpected message %q", rl.Error())
	}
	resp.Header.Set("Retry-After", "soon")
	if rl := RateLimitFromResponse("openai", resp, "busy"); rl.RetryAfter != 0 || rl.Message != "busy" {
		t.Fatalf("unparseable hint should be ignored: %+v", rl)
	}
	if RetryAfter(errors.New("plain")) != 0 {
		t.Fatalf("plain errors carry no hint")
	}
}
