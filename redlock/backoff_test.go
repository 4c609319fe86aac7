package redlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff_NoJitter(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryDelay: 150 * time.Millisecond, RetryJitter: 0}

	assert.Equal(t, 150*time.Millisecond, calculateBackoff(cfg))
}

func TestCalculateBackoff_Jitter(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryDelay: 200 * time.Millisecond, RetryJitter: 50 * time.Millisecond}

	for range 100 {
		delay := calculateBackoff(cfg)
		assert.GreaterOrEqual(t, delay, 150*time.Millisecond)
		assert.LessOrEqual(t, delay, 250*time.Millisecond)
	}
}
