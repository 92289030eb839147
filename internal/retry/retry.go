package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
)

// Config defines retry behavior for one kind of operation. MaxRetries counts
// the attempts made after the first one, so 0 means "run once".
type Config struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" yaml:"jitter"`
}

// Default retry configurations, keyed by operation
var DefaultConfigs = map[string]Config{
	"raw": {
		MaxRetries:        5,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	"enrich": {
		MaxRetries:        3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	"identities": {},
	"panels":     {},
	"metrics": {
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	"custom_metrics": {},
	"summary": {
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	},
	"refresh": {},
	"callback": {
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	},
	"submit": {
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
}

// Lookup returns the default config for an operation, or a single-attempt
// config when none is defined
func Lookup(name string) Config {
	return DefaultConfigs[name]
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, or the retry
// budget is spent. op receives the zero-based attempt number. The returned
// count is the number of attempts made.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) (int, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		if err = op(attempt); err == nil {
			return attempts, nil
		}
		if IsPermanent(err) || attempt == maxRetries {
			break
		}

		delay := cfg.Delay(attempt + 1)
		if delay <= 0 {
			if ctx.Err() != nil {
				return attempts, eris.Wrapf(err, "retry aborted: %v", ctx.Err())
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, eris.Wrapf(err, "retry aborted: %v", ctx.Err())
		case <-timer.C:
		}
	}
	return attempts, err
}

// Delay calculates the wait before the given retry (1 = first retry) with
// exponential backoff
func (c Config) Delay(retry int) time.Duration {
	if c.InitialDelay <= 0 || retry < 1 {
		return 0
	}
	multiplier := c.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := time.Duration(float64(c.InitialDelay) * math.Pow(multiplier, float64(retry-1)))

	// Cap at max delay
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	// +/-10% jitter
	if c.Jitter {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
	}

	return delay
}
