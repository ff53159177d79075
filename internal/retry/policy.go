// Package retry schedules and executes retries of payment attempts that
// failed with a retryable outcome.
package retry

import (
	"errors"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = time.Hour
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy is the retry count and backoff schedule of payment attempts.
// Retry n waits BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Exhausted reports whether attemptNumber attempts used up the retries.
// The first attempt does not count as a retry.
func (p Policy) Exhausted(attemptNumber int) bool {
	return attemptNumber > p.MaxRetries
}

// Delay returns how long to wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.Join(ErrInvalidPolicy, errors.New("max retries must not be negative"))
	case p.BaseDelay <= 0:
		return errors.Join(ErrInvalidPolicy, errors.New("base delay must be positive"))
	case p.MaxDelay < p.BaseDelay:
		return errors.Join(ErrInvalidPolicy, errors.New("max delay must not be less than base delay"))
	}
	return nil
}
