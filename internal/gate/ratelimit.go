package gate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultRateLimitMax    = 100
	DefaultRateLimitWindow = 900 * time.Second
)

type ipWindow struct {
	count       int
	windowStart time.Time
}

// WindowLimiter is an in-memory per-client-IP request limiter with a rolling
// fixed window. Stale windows are evicted so memory stays bounded.
type WindowLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string]*ipWindow
}

type WindowLimiterOptions struct {
	Max    int
	Window time.Duration
	Now    func() time.Time
}

func NewWindowLimiter(opts WindowLimiterOptions) *WindowLimiter {
	if opts.Max <= 0 {
		opts.Max = DefaultRateLimitMax
	}
	if opts.Window <= 0 {
		opts.Window = DefaultRateLimitWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WindowLimiter{
		max:     opts.Max,
		window:  opts.Window,
		now:     opts.Now,
		windows: make(map[string]*ipWindow),
	}
}

// Allow consumes one point from the client's budget. When the budget is
// exhausted it returns the time remaining in the current window.
func (l *WindowLimiter) Allow(_ context.Context, clientIP string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[clientIP]
	if !exists || now.Sub(w.windowStart) >= l.window {
		l.windows[clientIP] = &ipWindow{count: 1, windowStart: now}
		return true, 0, nil
	}

	if w.count >= l.max {
		retryAfter := l.window - now.Sub(w.windowStart)
		return false, retryAfter, nil
	}

	w.count++
	return true, 0, nil
}

// Evict drops per-IP windows whose window has fully elapsed and returns how
// many were removed.
func (l *WindowLimiter) Evict() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for ip, w := range l.windows {
		if now.Sub(w.windowStart) >= l.window {
			delete(l.windows, ip)
			evicted++
		}
	}
	return evicted
}

// StartEviction runs Evict on a timer until ctx is cancelled. The interval
// is the window length, which is the earliest a counter can go stale.
func (l *WindowLimiter) StartEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Evict(); n > 0 {
					log.Debug().Int("evicted", n).Msg("Evicted stale rate limiter windows")
				}
			}
		}
	}()
}

func (l *WindowLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
