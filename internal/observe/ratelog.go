package observe

import (
	"log"
	"sync"
	"time"
)

// RateLimitedLogger drops lines printed within interval of the previous one.
type RateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func NewRateLimitedLogger(interval time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{interval: interval}
}

func (l *RateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		log.Printf(format+" (suppressed=%d)", append(args, dropped)...)
		return
	}
	log.Printf(format, args...)
}
