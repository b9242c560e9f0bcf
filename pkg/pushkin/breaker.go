package pushkin

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DegradedWindow is how long a pushkin stays degraded after its upstream
// rejects our credentials (APNs InvalidProviderToken, FCM 401).
const DegradedWindow = 30 * time.Second

// Breaker marks a pushkin degraded for a fixed window after a fatal
// upstream error, so every device dispatched in that window short-circuits
// to a retryable outcome instead of hammering the cloud with bad
// credentials.
type Breaker struct {
	mu    sync.Mutex
	until time.Time
}

// Trip degrades the pushkin for the given window.
func (b *Breaker) Trip(window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if deadline := time.Now().Add(window); deadline.After(b.until) {
		b.until = deadline
	}
}

// Degraded reports whether the window is still open.
func (b *Breaker) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.until)
}

// TransportBackOff is the shared retry policy for transport-level failures
// (connection reset, timeout, refused stream): 3 attempts, jittered
// exponential backoff starting at 250ms. Upstream-returned 5xx are never
// retried here; the homeserver owns that cadence.
func TransportBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)
}
