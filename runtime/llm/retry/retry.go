// Package retry runs idempotent provider calls with bounded exponential
// backoff. Only transport failures, timeouts and HTTP 5xx responses are
// retried; validation, capability and 4xx failures return immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"goa.design/goa-llm/runtime/llm"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// A value of 0 or 1 disables retries.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier grows the delay after each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter adds up to this fraction of randomness to each delay.
	Jitter float64 `yaml:"jitter"`
}

// ExhaustedError is returned when all attempts failed with retryable errors.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// IsRetryable reports whether err is an idempotent failure worth retrying
// with the same payload.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ve *llm.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, llm.ErrProtocol) {
		return false
	}
	var he *llm.HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var te *llm.TransportError
	if errors.As(err, &te) {
		return !errors.Is(te.Cause, context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error or the
// attempts are exhausted. The context is checked between attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	if cfg.MaxAttempts == 1 {
		return lastErr
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// backoff computes initial * multiplier^(attempt-1), capped and jittered.
func backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
