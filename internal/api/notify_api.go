// Package api exposes the Matrix Push Gateway HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

// NotifyPath is the Matrix Push Gateway API endpoint.
const NotifyPath = "/_matrix/push/v1/notify"

type NotifyAPI struct {
	Dispatcher  *dispatch.Dispatcher
	MaxBodySize int64
	Logger      *slog.Logger
}

func NewNotifyAPI(dispatcher *dispatch.Dispatcher, maxBodySize int64, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		Dispatcher:  dispatcher,
		MaxBodySize: maxBodySize,
		Logger:      logger.With("component", "NotifyAPI"),
	}
}

// Router builds the gateway's route table. Method mismatches get mux's
// default 405.
func (api *NotifyAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(NotifyPath, api.Notify).Methods(http.MethodPost)
	r.HandleFunc("/health", api.Health).Methods(http.MethodGet)
	return r
}

func (api *NotifyAPI) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type notifyResponse struct {
	Rejected []string `json:"rejected"`
}

func (api *NotifyAPI) Notify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := api.Logger.With("request_id", uuid.NewString())

	status, rejected := api.handleNotify(w, r, logger)

	code := strconv.Itoa(status)
	metrics.ResponseCodes.WithLabelValues(code).Inc()
	metrics.NotifyDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())

	if status == http.StatusOK || status == http.StatusBadGateway {
		logger.Info("Handled notify request",
			"status", status,
			"rejected", len(rejected),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

// handleNotify does the work and returns the status it wrote, for metrics.
func (api *NotifyAPI) handleNotify(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int, []string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("Request body over size limit", "limit", api.MaxBodySize)
			return writeError(w, http.StatusRequestEntityTooLarge, "request body too large"), nil
		}
		logger.Warn("Could not read request body", "err", err)
		return writeError(w, http.StatusBadRequest, "could not read request body"), nil
	}

	n, err := notification.Parse(body)
	if err != nil {
		var invalid *notification.InvalidError
		if errors.As(err, &invalid) {
			logger.Warn("Rejecting malformed notification", "reason", invalid.Reason)
			return writeError(w, http.StatusBadRequest, invalid.Reason), nil
		}
		return writeError(w, http.StatusBadRequest, "invalid notification"), nil
	}

	metrics.NotificationsReceived.Inc()
	metrics.DevicesReceived.Add(float64(len(n.Devices)))

	result := api.Dispatcher.Dispatch(r.Context(), n)

	if result.Retryable && result.Delivered == 0 {
		if result.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
		}
		return writeError(w, http.StatusBadGateway, "upstream push service unavailable"), result.Rejected
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notifyResponse{Rejected: result.Rejected})
	return http.StatusOK, result.Rejected
}

func writeError(w http.ResponseWriter, status int, message string) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
	return status
}
