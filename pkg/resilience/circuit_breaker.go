package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned when a provider answers with a rate limit.
// RetryAfter is the provider's hint, zero when it gave none.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limit"
	}
	if e.Provider != "" {
		return e.Provider + ": " + msg
	}
	return msg
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RetryAfter returns the retry hint carried by a rate limit error.
func RetryAfter(err error) time.Duration {
	var rl RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// RateLimitFromResponse builds a RateLimitError from a 429 response,
// reading the Retry-After header in either seconds or HTTP-date form.
func RateLimitFromResponse(provider string, resp *http.Response, body string) RateLimitError {
	rl := RateLimitError{Provider: provider, Message: strings.TrimSpace(body)}
	if rl.Message == "" {
		rl.Message = resp.Status
	}
	h := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if h == "" {
		return rl
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		rl.RetryAfter = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			rl.RetryAfter = d
		}
	}
	return rl
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after threshold consecutive tripping failures and
// stays open for the cooldown, or the provider's Retry-After if longer.
// Once the cooldown passes a single probe call is let through; its result
// closes the breaker or reopens it.
type CircuitBreaker struct {
	// Trips reports whether an error counts toward opening. Nil counts
	// rate limits only.
	Trips func(error) bool

	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	probing   bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. An open breaker whose
// cooldown elapsed admits exactly one probe.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		if c.now().Before(c.openUntil) {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.failures = 0
	c.probing = false
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	trips := c.Trips
	if trips == nil {
		trips = IsRateLimit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !trips(err) {
		c.probing = false
		return
	}
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		wait := c.cooldown
		if ra := RetryAfter(err); ra > wait {
			wait = ra
		}
		c.state = BreakerOpen
		c.probing = false
		c.openUntil = c.now().Add(wait)
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining is how long an open breaker keeps denying calls.
func (c *CircuitBreaker) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BreakerOpen {
		return 0
	}
	if d := c.openUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}
