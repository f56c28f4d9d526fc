package notify

import (
	"math/rand"
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window cap per channel. Critical and high
// priority notifications always pass; low priority notifications are
// forwarded probabilistically once the window fills up.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   map[Channel][]time.Time
	now    func() time.Time
	chance func() float64
}

// lowPriorityPassRate is the forwarding probability for low priority
// notifications while the window is under pressure.
const lowPriorityPassRate = 0.25

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:  limit,
		window: window,
		sent:   make(map[Channel][]time.Time),
		now:    time.Now,
		chance: rand.Float64,
	}
}

// allow reports whether a notification may be sent on the channel now, and
// records it if so.
func (r *rateLimiter) allow(channel Channel, priority Priority) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	recent := r.sent[channel][:0]
	for _, at := range r.sent[channel] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	r.sent[channel] = recent

	switch priority {
	case PriorityCritical, PriorityHigh:
		// Never dropped, but still counted against the window.
	case PriorityLow:
		// Under pressure, most low priority traffic is shed.
		if len(recent) >= r.limit {
			return false
		}
		if len(recent)*2 >= r.limit && r.chance() >= lowPriorityPassRate {
			return false
		}
	default:
		if len(recent) >= r.limit {
			return false
		}
	}

	r.sent[channel] = append(r.sent[channel], now)
	return true
}
