package cachestore

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger lets at most one event through per interval and counts
// the ones it swallowed in between.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warn returns nil when the event is suppressed, so callers can chain fields
// onto the result unconditionally: zerolog treats a nil *Event as disabled.
func (l *rateLimitedLogger) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return nil
	}
	l.lastAt = now
	ev := l.log.Warn()
	if l.suppressed > 0 {
		ev = ev.Int("suppressed", l.suppressed)
		l.suppressed = 0
	}
	return ev
}
