package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectionStatsResetOnThreshold(t *testing.T) {
	r := newRejectionStats(3)
	r.observe("lock_conflict")
	r.observe("validation")
	assert.Equal(t, 2, r.total)

	// third observation crosses the threshold and flushes
	r.observe("lock_conflict")
	assert.Zero(t, r.total)
	assert.Empty(t, r.counts)

	r.observe("auth")
	assert.Equal(t, 1, r.total, "counting restarts after a flush")
}
