// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Options controls the retry schedule.
type Options struct {
	// Tries is how many retries follow the first attempt. Zero means
	// the operation runs exactly once.
	Tries int
	// Delay is the initial wait between attempts.
	Delay time.Duration
	// Backoff is the factor the delay lengthens by after each failure.
	// Must be greater than 1, or else it isn't really a backoff.
	Backoff float64
}

// DefaultOptions mirror the historical defaults: three retries,
// starting at three seconds, doubling.
var DefaultOptions = Options{Tries: 3, Delay: 3 * time.Second, Backoff: 2}

func (o Options) validate() error {
	if o.Backoff <= 1 {
		return fmt.Errorf("backoff must be greater than 1, got %v", o.Backoff)
	}
	if o.Tries < 0 {
		return fmt.Errorf("tries must be 0 or greater, got %d", o.Tries)
	}
	if o.Delay <= 0 {
		return fmt.Errorf("delay must be greater than 0, got %v", o.Delay)
	}
	return nil
}

// Do invokes fn until it succeeds or the attempts run out, waiting
// Delay*Backoff^n between attempts. Context cancellation cuts the wait
// short and returns the context error.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	if err := opts.validate(); err != nil {
		return err
	}

	delay := opts.Delay
	var lastErr error
	for attempt := 0; attempt <= opts.Tries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * opts.Backoff)
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
