package websocket

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// Backoff computes reconnect delays.
type Backoff struct {
	// Initial is the delay before jitter at attempt 0.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Jitter returns a sample in [0, 1). Optional; default math/rand.
	Jitter func() float64
}

// DefaultBackoff provides the reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: DefaultBackoffInitial,
		Max:     DefaultBackoffMax,
	}
}

// Delay returns min(Max, Initial * 2^attempt * j) with j drawn uniformly from [0.5, 1.5).
// attempt is 0-based.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial, max := b.limits()

	sample := rand.Float64()
	if b.Jitter != nil {
		sample = b.Jitter()
	}
	if sample < 0 {
		sample = 0
	}
	if sample >= 1 {
		sample = math.Nextafter(1, 0)
	}

	wait := float64(initial) * math.Pow(2, float64(attempt)) * (0.5 + sample)
	if math.IsInf(wait, 0) || wait >= float64(max) {
		return max
	}
	return time.Duration(wait)
}

// Bounds returns the inclusive range Delay may return for attempt.
func (b Backoff) Bounds(attempt int) (lo, hi time.Duration) {
	if attempt < 0 {
		attempt = 0
	}
	initial, max := b.limits()
	base := float64(initial) * math.Pow(2, float64(attempt))
	lo, hi = max, max
	if l := base * 0.5; l < float64(max) {
		lo = time.Duration(l)
	}
	if h := base * 1.5; h < float64(max) {
		hi = time.Duration(h)
	}
	return lo, hi
}

func (b Backoff) limits() (time.Duration, time.Duration) {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < initial {
		max = initial
	}
	return initial, max
}
