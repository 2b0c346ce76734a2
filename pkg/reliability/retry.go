package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy bounds how often and how fast an operation is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryInterval is the delay before the first retry.
	RetryInterval time.Duration
	// RetryMultiplier grows the delay after every retry. Values below 1
	// keep it constant.
	RetryMultiplier float64
	// MaxInterval caps the delay; zero means no cap.
	MaxInterval time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		RetryInterval:   500 * time.Millisecond,
		RetryMultiplier: 2,
		MaxInterval:     10 * time.Second,
	}
}

// Delay returns the wait before retry number n, counting from 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	mult := p.RetryMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.RetryInterval) * math.Pow(mult, float64(n-1)))
	if p.MaxInterval > 0 && (d > p.MaxInterval || d < 0) {
		d = p.MaxInterval
	}
	return d
}

// Do runs op until it succeeds, returns an error retryable rejects, the
// retries are used up or ctx is done. A nil retryable retries every error.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, retryable func(error) bool) error {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.Warn("retrying after failure",
				"attempt", attempt,
				"max_retries", p.MaxRetries,
				"delay", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-clock.After(delay):
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
	}
}
