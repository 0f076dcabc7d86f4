package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is what the registry needs from a running session.
type Session interface {
	ID() string
	Close() error
	Done() <-chan struct{}
}

// SessionRegistry tracks live sessions so the engine can cap admission and
// drain on shutdown.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	max      int64
	draining atomic.Bool
	mu       sync.Mutex
}

// NewSessionRegistry returns a registry admitting at most max sessions;
// zero means unlimited.
func NewSessionRegistry(max int) *SessionRegistry {
	return &SessionRegistry{max: int64(max)}
}

// Add admits s unless the registry is draining, full, or already holds
// the id.
func (r *SessionRegistry) Add(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining.Load() {
		return false
	}
	if r.max > 0 && r.count.Load() >= r.max {
		return false
	}
	if _, loaded := r.sessions.LoadOrStore(s.ID(), s); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

// Full reports whether a new session would be rejected.
func (r *SessionRegistry) Full() bool {
	return r.draining.Load() || (r.max > 0 && r.count.Load() >= r.max)
}

func (r *SessionRegistry) Get(id string) (Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(Session), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll closes every session. Sessions remove themselves once they
// finish.
func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(_, value any) bool {
		_ = value.(Session).Close()
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
