// Package resilience provides the backoff retry used by the one outbound
// call this worker retries: the KMS Decrypt POST (5 attempts, 0.3s
// initial backoff, 5xx only). All other external calls (Twilio, SMTP,
// SendGrid, the loopback host) are single-shot and must not be routed
// through Retry.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures Retry's attempt count and backoff curve.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, fraction of the delay randomized each way
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping an exponentially
// growing, jittered delay between attempts. It returns nil on the first
// success, ctx.Err() if the context ends mid-backoff, and otherwise the
// last error fn produced.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil || attempt >= cfg.MaxAttempts {
			return lastErr
		}

		t := time.NewTimer(jittered(delay, cfg.Jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*2*delta-delta)
}
