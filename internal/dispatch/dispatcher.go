package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

const (
	// DefaultDeviceTimeout bounds a single device's dispatch, including
	// transport retries.
	DefaultDeviceTimeout = 15 * time.Second
	// DefaultRequestTimeout bounds the whole notification.
	DefaultRequestTimeout = 30 * time.Second
)

// Result is the aggregate of all per-device outcomes for one notification.
type Result struct {
	Rejected   []string
	Delivered  int
	Retryable  bool
	RetryAfter time.Duration
}

// Dispatcher fans a notification out to the pushkins serving its devices
// and aggregates their outcomes.
type Dispatcher struct {
	registry       *Registry
	limiters       map[string]*Limiter
	deviceTimeout  time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher wires the registry and the per-pushkin limiters, keyed by
// pushkin name.
func NewDispatcher(registry *Registry, limiters map[string]*Limiter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		limiters:       limiters,
		deviceTimeout:  DefaultDeviceTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         logger.With("component", "Dispatcher"),
	}
}

type group struct {
	p       pushkin.Pushkin
	devices []*notification.Device
	indices []int
}

// Dispatch pushes the notification to every device and returns the
// aggregate. Devices without a configured pushkin are rejected up front;
// everything else runs concurrently under the request deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, n *notification.Notification) Result {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	outcomes := make([]pushkin.Outcome, len(n.Devices))

	groups := make(map[string]*group)
	var order []string
	for i := range n.Devices {
		device := &n.Devices[i]
		p, ok := d.registry.Lookup(device.AppID)
		if !ok {
			d.logger.Warn("No pushkin configured for app id", "app_id", device.AppID)
			outcomes[i] = pushkin.Reject("no pushkin configured for app id")
			continue
		}
		metrics.NotificationsByPushkin.WithLabelValues(p.Name()).Inc()

		g := groups[p.Name()]
		if g == nil {
			g = &group{p: p}
			groups[p.Name()] = g
			order = append(order, p.Name())
		}
		g.devices = append(g.devices, device)
		g.indices = append(g.indices, i)
	}

	var wg sync.WaitGroup
	for _, name := range order {
		g := groups[name]
		if batch, ok := g.p.(pushkin.BatchPushkin); ok && len(g.devices) > 1 {
			wg.Add(1)
			go func(g *group, batch pushkin.BatchPushkin) {
				defer wg.Done()
				d.dispatchBatch(ctx, n, g, batch, outcomes)
			}(g, batch)
			continue
		}
		for j := range g.devices {
			wg.Add(1)
			go func(p pushkin.Pushkin, device *notification.Device, idx int) {
				defer wg.Done()
				outcomes[idx] = d.dispatchOne(ctx, n, p, device)
			}(g.p, g.devices[j], g.indices[j])
		}
	}
	wg.Wait()

	result := Result{Rejected: []string{}}
	for i, out := range outcomes {
		switch out.Kind {
		case pushkin.KindDelivered:
			result.Delivered++
		case pushkin.KindRejected:
			result.Rejected = append(result.Rejected, n.Devices[i].Pushkey)
		case pushkin.KindRetryable:
			result.Retryable = true
			if out.RetryAfter > result.RetryAfter {
				result.RetryAfter = out.RetryAfter
			}
		}
	}
	return result
}

func (d *Dispatcher) dispatchOne(ctx context.Context, n *notification.Notification, p pushkin.Pushkin, device *notification.Device) pushkin.Outcome {
	if lim := d.limiters[p.Name()]; lim != nil {
		if !lim.TryAcquire() {
			return pushkin.Retry("in-flight request limit reached")
		}
		defer lim.Release()
	}
	ctx, cancel := context.WithTimeout(ctx, d.deviceTimeout)
	defer cancel()
	return p.Dispatch(ctx, n, device)
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, n *notification.Notification, g *group, batch pushkin.BatchPushkin, outcomes []pushkin.Outcome) {
	if lim := d.limiters[batch.Name()]; lim != nil {
		if !lim.TryAcquire() {
			for _, idx := range g.indices {
				outcomes[idx] = pushkin.Retry("in-flight request limit reached")
			}
			return
		}
		defer lim.Release()
	}
	ctx, cancel := context.WithTimeout(ctx, d.deviceTimeout)
	defer cancel()
	for i, out := range batch.DispatchBatch(ctx, n, g.devices) {
		outcomes[g.indices[i]] = out
	}
}
