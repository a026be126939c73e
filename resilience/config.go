package resilience

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBaseRetryDelay    = 2 * time.Second
	DefaultFailureThreshold  = 5
	DefaultOpenDuration      = time.Minute
	DefaultMaxQueueSize      = 1000
	DefaultMaxQueueAttempts  = 5
	DefaultMaxQueueLifetime  = 24 * time.Hour
	DefaultMaxQueueBatchSize = 50
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("resilience: invalid config")

// Config controls retry, circuit breaking and deferred queue behaviour.
// Zero values are replaced by defaults when the engine is built.
type Config struct {
	// MaxAttempts is the total number of transport calls per SendWithRetry,
	// including the first.
	MaxAttempts int
	// BaseRetryDelay is the sleep before the second attempt; it doubles after
	// each further failure.
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps a single backoff sleep. Zero leaves it uncapped.
	MaxRetryDelay time.Duration

	FailureThreshold int
	OpenDuration     time.Duration

	// QueueOnFailure defers exhausted or short-circuited sends instead of dropping them.
	QueueOnFailure bool

	MaxQueueSize      int
	MaxQueueAttempts  int
	MaxQueueLifetime  time.Duration
	MaxQueueBatchSize int
}

// DefaultConfig returns the defaults with queuing enabled.
func DefaultConfig() Config {
	return Config{QueueOnFailure: true}.withDefaults()
}

// Validate reports negative settings.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"MaxAttempts", int64(c.MaxAttempts)},
		{"BaseRetryDelay", int64(c.BaseRetryDelay)},
		{"MaxRetryDelay", int64(c.MaxRetryDelay)},
		{"FailureThreshold", int64(c.FailureThreshold)},
		{"OpenDuration", int64(c.OpenDuration)},
		{"MaxQueueSize", int64(c.MaxQueueSize)},
		{"MaxQueueAttempts", int64(c.MaxQueueAttempts)},
		{"MaxQueueLifetime", int64(c.MaxQueueLifetime)},
		{"MaxQueueBatchSize", int64(c.MaxQueueBatchSize)},
	}
	for _, check := range checks {
		if check.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, check.name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxQueueAttempts <= 0 {
		c.MaxQueueAttempts = DefaultMaxQueueAttempts
	}
	if c.MaxQueueLifetime <= 0 {
		c.MaxQueueLifetime = DefaultMaxQueueLifetime
	}
	if c.MaxQueueBatchSize <= 0 {
		c.MaxQueueBatchSize = DefaultMaxQueueBatchSize
	}
	return c
}

// backoff returns the sleep before the given retry, where retry 1 precedes
// the second attempt.
func (c Config) backoff(retry int) time.Duration {
	delay := c.BaseRetryDelay
	for i := 1; i < retry; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if c.MaxRetryDelay > 0 && delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}
