package dispatch

import (
	"golang.org/x/sync/semaphore"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
)

// Limiter is the per-pushkin admission control: a counting semaphore whose
// acquisition never blocks. Saturation is a drop, not a queue; the
// homeserver is the queue.
type Limiter struct {
	name string
	sem  *semaphore.Weighted
}

func NewLimiter(name string, capacity int64) *Limiter {
	return &Limiter{name: name, sem: semaphore.NewWeighted(capacity)}
}

// TryAcquire takes a permit if one is free. On saturation it records the
// drop and returns false immediately.
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		metrics.InflightLimitDrops.WithLabelValues(l.name).Inc()
		return false
	}
	return true
}

func (l *Limiter) Release() {
	l.sem.Release(1)
}
