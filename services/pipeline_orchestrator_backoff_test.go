package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffWithFullJitterStaysWithinCeiling(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := backoffWithFullJitter(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, backoffMax)
		}
	}
}

func TestBackoffWithFullJitterCapsAtMax(t *testing.T) {
	d := backoffWithFullJitter(20)
	assert.LessOrEqual(t, d, backoffMax)
}

func TestBackoffWithFullJitterSmallAttemptStaysBelowBase(t *testing.T) {
	// attempt=0 computes a ceiling of exactly backoffBase; full jitter
	// must never exceed that ceiling.
	for i := 0; i < 20; i++ {
		d := backoffWithFullJitter(0)
		assert.LessOrEqual(t, d, backoffBase)
	}
}
