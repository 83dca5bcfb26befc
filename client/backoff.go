package client

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Delay returns the wait before attempt n+1 after n failed attempts (n >= 1):
// Initial * Multiplier^(n-1), capped at Max, then spread by Jitter.
func (b BackoffPolicy) Delay(n int) time.Duration {
	return b.delay(n, rand.Float64)
}

func (b BackoffPolicy) delay(n int, random func() float64) time.Duration {
	if n < 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*random() - 1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
