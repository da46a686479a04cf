package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// newLimiter builds the token bucket for one agent class. Tokens refill at
// rps per second up to burst; callers block in Wait until one is available.
func newLimiter(rps float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// LimiterSnapshot is the observable state of a class's token bucket.
type LimiterSnapshot struct {
	Tokens       float64   `json:"tokens"`
	Burst        int       `json:"burst"`
	RefillPerSec float64   `json:"refill_per_sec"`
	ObservedAt   time.Time `json:"observed_at"`
}

func snapshotLimiter(l *rate.Limiter, now time.Time) LimiterSnapshot {
	return LimiterSnapshot{
		Tokens:       l.TokensAt(now),
		Burst:        l.Burst(),
		RefillPerSec: float64(l.Limit()),
		ObservedAt:   now,
	}
}
