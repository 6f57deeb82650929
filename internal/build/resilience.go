package build

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/buildloom/internal/store"
)

// RetryConfig configures exponential backoff for substituter fetches.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newSubstituterBreaker creates the circuit breaker guarding one
// substituter. A cache that keeps erroring stops being asked for a while;
// a path simply not being present never trips it.
func newSubstituterBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("substituter %q circuit breaker: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Absence and cancellation say nothing about cache health
			if os.IsNotExist(err) {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
}

// fetchWithRetry reads a store path's contents from a substituter with
// exponential backoff and circuit breaker protection.
func fetchWithRetry(ctx context.Context, sub *Substituter, p store.StorePath, retryCfg RetryConfig) ([]byte, error) {
	var data []byte

	operation := func() error {
		// Fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := sub.breaker.Execute(func() (interface{}, error) {
			return os.ReadFile(filepath.Join(sub.Dir, string(p)))
		})

		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			// The path vanished between probe and fetch; retrying won't
			// bring it back
			if os.IsNotExist(err) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		data = result.([]byte)
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
	return data, err
}
