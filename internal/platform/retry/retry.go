package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts bounds the number of calls. Zero retries until ctx is done.
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// DefaultConfig returns the backoff used for runner registration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     0,
		InitialDelay:    250 * time.Millisecond,
		MaxDelay:        15 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.3,
	}
}

// Do calls fn until it succeeds, attempts run out or ctx is done, sleeping an
// exponentially growing, jittered delay between attempts.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			break
		}

		wait := Jitter(delay, cfg.RandomizeFactor, cfg.MaxDelay)
		slog.Warn("Attempt failed, backing off", "operation", operation, "attempt", attempt, "retryIn", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled after %d attempts: %w", operation, attempt, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// Jitter spreads base by ±factor, capped at maxDelay and floored at 1ms.
func Jitter(base time.Duration, factor float64, maxDelay time.Duration) time.Duration {
	jitter := float64(base) * factor
	lo := float64(base) - jitter
	hi := float64(base) + jitter
	d := lo + rand.Float64()*(hi-lo)

	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}
