// Package retry re-runs an operation with exponential backoff while it fails
// with a retryable cache error. The offline queue uses it to replay writes
// deferred while the process was disconnected.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/realtycrm/unicache/pkg/errors"
)

// Config bounds the attempts and the backoff between them
type Config struct {
	// MaxAttempts counts the first call
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	// Jitter spreads each delay by up to 20% either way
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes worth another attempt. A CacheError marked
	// Retryable is always retried; anything that is not a CacheError never is.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry runs before each wait
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig makes three attempts 200ms, then 400ms apart, retrying store,
// transport and replay failures
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodePersistence,
			errors.ErrCodeSyncTransport,
			errors.ErrCodeOfflineReplay,
			errors.ErrCodeInternalError,
		},
	}
}

type Retryer struct {
	config Config
}

// New fills unset fields of config from DefaultConfig, except
// RetryableErrors, which stays empty when unset
func New(config Config) *Retryer {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}
	return &Retryer{config: config}
}

// Do calls fn until it succeeds, returns an error that is not retryable, uses
// up MaxAttempts or ctx ends. It reports how many times fn ran; the error of
// an exhausted run wraps the last failure.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("retry canceled: %w", err)
		}

		err := fn(ctx)
		switch {
		case err == nil:
			return attempt, nil
		case !r.Retryable(err):
			return attempt, err
		case attempt >= r.config.MaxAttempts:
			return attempt, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		delay := r.Backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// Retryable reports whether err is worth another attempt
func (r *Retryer) Retryable(err error) bool {
	var cacheErr *errors.CacheError
	if !stderr.As(err, &cacheErr) {
		return false
	}
	if cacheErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if cacheErr.Code == code {
			return true
		}
	}
	return false
}

// Backoff is the wait after the given failed attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay
func (r *Retryer) Backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
