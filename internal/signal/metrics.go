package signal

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// rejectionStats keeps rolling counts of rejection reasons and emits one
// summary line when the volume threshold is crossed, instead of a log line
// per rejected event.
type rejectionStats struct {
	mu        sync.Mutex
	counts    map[string]int
	total     int
	threshold int
}

func newRejectionStats(threshold int) *rejectionStats {
	return &rejectionStats{counts: make(map[string]int), threshold: threshold}
}

func (r *rejectionStats) observe(reason string) {
	r.mu.Lock()
	r.counts[reason]++
	r.total++
	if r.total < r.threshold {
		r.mu.Unlock()
		return
	}
	counts := r.counts
	total := r.total
	r.counts = make(map[string]int)
	r.total = 0
	r.mu.Unlock()

	ev := log.Warn().Str("module", "signal").Int("total", total)
	for reason, n := range counts {
		ev = ev.Int(reason, n)
	}
	ev.Msg("rejection volume threshold crossed")
}
