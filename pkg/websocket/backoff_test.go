package websocket

import (
	"testing"
	"time"
)

func fixedJitter(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBackoffDelayWithinBounds(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 8; attempt++ {
		lo, hi := b.Bounds(attempt)
		for i := 0; i < 200; i++ {
			d := b.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffDelayJitterEdges(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Jitter: fixedJitter(0)}
	if got := b.Delay(0); got != 500*time.Millisecond {
		t.Fatalf("attempt 0 low jitter: got %v want %v", got, 500*time.Millisecond)
	}
	if got := b.Delay(2); got != 2*time.Second {
		t.Fatalf("attempt 2 low jitter: got %v want %v", got, 2*time.Second)
	}

	b.Jitter = fixedJitter(0.5)
	if got := b.Delay(3); got != 8*time.Second {
		t.Fatalf("attempt 3 mid jitter: got %v want %v", got, 8*time.Second)
	}

	b.Jitter = fixedJitter(0.999999)
	if got := b.Delay(1); got >= 3*time.Second || got < 2999*time.Millisecond {
		t.Fatalf("attempt 1 high jitter: got %v want just below 3s", got)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: fixedJitter(0.5)}
	if got := b.Delay(5); got != 30*time.Second {
		t.Fatalf("attempt 5: got %v want cap %v", got, 30*time.Second)
	}
	if got := b.Delay(4000); got != 30*time.Second {
		t.Fatalf("huge attempt: got %v want cap %v", got, 30*time.Second)
	}
	lo, hi := b.Bounds(10)
	if lo != 30*time.Second || hi != 30*time.Second {
		t.Fatalf("bounds at cap: got [%v, %v]", lo, hi)
	}
}

func TestBackoffDefaultsForZeroValue(t *testing.T) {
	var b Backoff
	b.Jitter = fixedJitter(0.5)
	if got := b.Delay(0); got != DefaultBackoffInitial {
		t.Fatalf("zero value attempt 0: got %v want %v", got, DefaultBackoffInitial)
	}
	if got := b.Delay(-3); got != DefaultBackoffInitial {
		t.Fatalf("negative attempt: got %v want %v", got, DefaultBackoffInitial)
	}
}
