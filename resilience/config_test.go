package resilience

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultBaseRetryDelay, cfg.BaseRetryDelay)
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultOpenDuration, cfg.OpenDuration)
	assert.Equal(t, DefaultMaxQueueSize, cfg.MaxQueueSize)
	assert.Equal(t, DefaultMaxQueueAttempts, cfg.MaxQueueAttempts)
	assert.Equal(t, DefaultMaxQueueLifetime, cfg.MaxQueueLifetime)
	assert.Equal(t, DefaultMaxQueueBatchSize, cfg.MaxQueueBatchSize)
	assert.False(t, cfg.QueueOnFailure)
	assert.True(t, DefaultConfig().QueueOnFailure)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.ErrorIs(t, Config{OpenDuration: -time.Second}.Validate(), ErrInvalidConfig)
	assert.ErrorContains(t, Config{MaxQueueSize: -1}.Validate(), "MaxQueueSize")
}

func TestConfigBackoff(t *testing.T) {
	cfg := Config{BaseRetryDelay: time.Second}

	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 8*time.Second, cfg.backoff(4))

	cfg.MaxRetryDelay = 5 * time.Second
	assert.Equal(t, 5*time.Second, cfg.backoff(4))
}

func TestConfigBackoffSaturates(t *testing.T) {
	cfg := Config{BaseRetryDelay: time.Hour}
	assert.Equal(t, time.Duration(math.MaxInt64), cfg.backoff(200))
}
