// Package retry runs operations against flaky dependencies with capped
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type Config struct {
	Enabled bool
	// Attempts counts the first call.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay uniformly over [d/2, d].
	Jitter bool
	// Permanent errors are returned at once. Errors wrapped with Stop are
	// always permanent.
	Permanent []error
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Attempts:     4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// Stop marks err as not worth retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err}
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	if !cfg.Enabled || cfg.Attempts <= 1 {
		v, err := fn()
		var stop stopError
		if errors.As(err, &stop) {
			err = stop.err
		}
		return v, err
	}

	var zero T
	var last error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, errors.Join(ctx.Err(), last)
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return zero, stop.err
		}
		if cfg.permanent(err) {
			return zero, err
		}
		last = err
	}
	return zero, &ExhaustedError{Attempts: cfg.Attempts, Last: last}
}

func (cfg Config) permanent(err error) bool {
	for _, p := range cfg.Permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// delay is the wait after the n-th failed attempt, counting from zero.
func (cfg Config) delay(n int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.InitialDelay)
	for i := 0; i < n && d < float64(cfg.MaxDelay); i++ {
		d *= mult
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter && d > 0 {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
