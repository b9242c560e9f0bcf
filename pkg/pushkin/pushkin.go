// Package pushkin defines the contract between the dispatcher and the
// per-platform senders ("pushkins"), and the per-device outcome they report.
package pushkin

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

// OutcomeKind is the three-way result of pushing to a single device.
type OutcomeKind int

const (
	// KindDelivered means the upstream accepted the notification (or there
	// was legitimately nothing to send).
	KindDelivered OutcomeKind = iota
	// KindRejected means the pushkey is permanently invalid and the
	// homeserver should remove the pusher.
	KindRejected
	// KindRetryable means a transient failure; the homeserver should resend
	// the whole notification later.
	KindRetryable
)

// Outcome is the per-device dispatch result.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	RetryAfter time.Duration
}

// Delivered reports upstream acceptance.
func Delivered() Outcome {
	return Outcome{Kind: KindDelivered}
}

// Reject reports a permanently dead pushkey.
func Reject(reason string) Outcome {
	return Outcome{Kind: KindRejected, Reason: reason}
}

// Retry reports a transient failure.
func Retry(reason string) Outcome {
	return Outcome{Kind: KindRetryable, Reason: reason}
}

// RetryAfter reports a transient failure with an upstream-requested minimum
// delay before the homeserver resends.
func RetryAfter(reason string, delay time.Duration) Outcome {
	return Outcome{Kind: KindRetryable, Reason: reason, RetryAfter: delay}
}

// Pushkin sends notifications to one upstream cloud. Implementations are
// long-lived, created at startup and owned by the dispatcher, and must be
// safe for concurrent use.
type Pushkin interface {
	// Name is the configured app-id pattern this pushkin serves.
	Name() string

	// Dispatch pushes the notification to a single device and reports the
	// outcome. It must not panic and must respect ctx cancellation at I/O
	// boundaries.
	Dispatch(ctx context.Context, n *notification.Notification, device *notification.Device) Outcome

	// Shutdown releases held resources (connection pools, credential
	// caches). Called once, after the listeners have drained.
	Shutdown(ctx context.Context) error
}

// BatchPushkin is implemented by pushkins whose upstream supports sending to
// several devices in one call (FCM legacy registration_ids). The returned
// slice is parallel to devices.
type BatchPushkin interface {
	Pushkin
	DispatchBatch(ctx context.Context, n *notification.Notification, devices []*notification.Device) []Outcome
}
