package retry

import (
	"context"
	"math"
	"time"
)

// Config holds retry configuration.
// A Multiplier of 1 or less gives a fixed delay between attempts.
type Config struct {
	Enabled    bool
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultConfig returns the agent's default policy: 3 retries, 5s apart
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxRetries: 3,
		Delay:      5 * time.Second,
		Multiplier: 1,
	}
}

// Attempts returns the total number of calls Do will make at most
func (c Config) Attempts() int {
	if !c.Enabled || c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Do calls fn until it succeeds or the attempts are exhausted.
// fn receives the zero-based attempt number. The wait between attempts
// returns early with ctx.Err() once ctx is cancelled; a running fn is
// never interrupted by Do itself.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var lastErr error

	attempts := cfg.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		// Don't wait after the last attempt
		if attempt == attempts-1 {
			break
		}

		if err := Sleep(ctx, calculateDelay(attempt, cfg)); err != nil {
			return err
		}
	}

	return lastErr
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// calculateDelay returns Delay, grown by Multiplier per attempt and capped at MaxDelay
func calculateDelay(attempt int, cfg Config) time.Duration {
	if cfg.Multiplier <= 1 {
		return cfg.Delay
	}

	delay := float64(cfg.Delay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}
