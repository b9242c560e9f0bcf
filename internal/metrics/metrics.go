// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NotificationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgateway_notifications_received",
		Help: "Number of notification pokes received",
	})

	DevicesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgateway_notifications_devices_received",
		Help: "Number of devices been asked to push",
	})

	NotificationsByPushkin = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgateway_per_pushkin_type",
		Help: "Number of pushes sent via each pushkin",
	}, []string{"pushkin"})

	ResponseCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgateway_status_codes",
		Help: "HTTP response codes given on the Push Gateway API",
	}, []string{"code"})

	NotifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "pushgateway_notify_time",
		Help: "Time taken to handle a /notify request",
	}, []string{"code"})

	UpstreamStatusCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgateway_upstream_status_codes",
		Help: "HTTP response codes received from upstream push clouds",
	}, []string{"pushkin", "code"})

	InflightLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgateway_inflight_request_limit_drop",
		Help: "Dispatches dropped because the pushkin's in-flight limit was reached",
	}, []string{"pushkin"})

	CertificateExpiry = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pushgateway_apns_certificate_expiry_seconds",
		Help: "Unix timestamp of the not-after date of the APNs client certificate",
	}, []string{"pushkin"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
