package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "postgres"
	cfg.Dispatch.Interval = 0
	cfg.Dispatch.Batch = 0

	err := cfg.Validate()
	assert.ErrorContains(t, err, "store.driver")
	assert.ErrorContains(t, err, "dispatch.interval")
	assert.ErrorContains(t, err, "dispatch.batch")
}

func TestRetryBackoff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(40))
}

func TestRetryBounds(t *testing.T) {
	p := RetryPolicy{MaxDeliveryAttempts: 3}
	assert.False(t, p.DeliveriesExhausted(2))
	assert.True(t, p.DeliveriesExhausted(3))

	// Zero means unbounded.
	assert.False(t, p.UnroutableExhausted(1000))
}
