package orchestrator

import (
	"math"
	"math/rand"
	"time"

	"github.com/fablecast/fablecast-backend/internal/config"
)

// shouldRetry decides whether the stage gets another attempt under its
// policy. attempts counts completed attempts including the one that just
// failed.
func shouldRetry(p config.StagePolicy, attempts int, err error) bool {
	if p.MaxAttempts <= 0 || attempts >= p.MaxAttempts {
		return false
	}
	return retryable(err)
}

// computeBackoff returns the exponential backoff for the next attempt with
// +/-JitterFrac spread so retries from concurrent jobs fan out.
func computeBackoff(p config.StagePolicy, attempts int) time.Duration {
	minB := p.MinBackoff
	maxB := p.MaxBackoff
	j := p.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
