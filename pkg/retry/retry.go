package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStopped is returned by an attempt function to end retrying without further attempts
var ErrStopped = errors.New("retry stopped")

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts after the first
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier, 1 keeps a fixed interval

	// OnRetry, when set, is called before sleeping with the failed attempt number (1-based)
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Fixed returns a config making at most attempts tries spaced by interval
func Fixed(interval time.Duration, attempts int) Config {
	if attempts < 1 {
		attempts = 1
	}
	return Config{
		MaxRetries:     attempts - 1,
		InitialBackoff: interval,
		MaxBackoff:     interval,
		Multiplier:     1,
	}
}

// Do executes fn with backoff retries.
// fn receives the 1-based attempt number. Returning an error wrapping ErrStopped ends the loop.
func Do(ctx context.Context, config Config, fn func(attempt int) error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn(attempt + 1)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStopped) {
			return err
		}

		lastErr = err

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		if config.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * config.Multiplier)
		}
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}
