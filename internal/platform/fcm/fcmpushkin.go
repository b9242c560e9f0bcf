// Package fcm pushes notifications through Firebase Cloud Messaging, via
// either the legacy JSON API or the v1 REST API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/transport"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

const (
	legacySendURL = "https://fcm.googleapis.com/fcm/send"
	v1SendURL     = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	// Legacy multicast limit.
	maxBatchSize = 1000

	maxPayloadBytes  = 4096
	maxBytesPerField = 1024
)

// Registration errors that mean the pushkey is permanently dead.
var badPushkeyCodes = map[string]struct{}{
	"MissingRegistration": {},
	"InvalidRegistration": {},
	"NotRegistered":       {},
	"InvalidPackageName":  {},
	"MismatchSenderId":    {},
}

// Pushkin delivers notifications for one app-id pattern via FCM.
type Pushkin struct {
	appID      string
	apiVersion string
	apiKey     string
	baseURL    string
	fcmOptions map[string]any
	httpClient *http.Client
	tokens     oauth2.TokenSource
	breaker    pushkin.Breaker
	logger     *slog.Logger
}

// New creates an FCM pushkin from its app config. For v1 the service
// account file is parsed immediately so bad credentials fail at startup.
func New(cfg *config.Config, app *config.App, logger *slog.Logger) (*Pushkin, error) {
	p := &Pushkin{
		appID:      app.AppID,
		apiVersion: app.APIVersion,
		apiKey:     app.APIKey,
		fcmOptions: app.FCMOptions,
		logger:     logger.With("component", "FCMPushkin", "app_id", app.AppID),
	}

	switch app.APIVersion {
	case "legacy":
		if app.APIKey == "" {
			return nil, fmt.Errorf("app %q: legacy FCM requires api_key", app.AppID)
		}
		p.baseURL = legacySendURL
	case "v1":
		if app.ProjectID == "" || app.ServiceAccountFile == "" {
			return nil, fmt.Errorf("app %q: FCM v1 requires project_id and service_account_file", app.AppID)
		}
		creds, err := os.ReadFile(app.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("app %q: reading service account file: %w", app.AppID, err)
		}
		jwtCfg, err := google.JWTConfigFromJSON(creds, messagingScope)
		if err != nil {
			return nil, fmt.Errorf("app %q: parsing service account file: %w", app.AppID, err)
		}
		// Refresh 60s before expiry; ReuseTokenSource single-flights the
		// mint so concurrent dispatches share one refresh.
		p.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, jwtCfg.TokenSource(context.Background()), time.Minute)
		p.baseURL = fmt.Sprintf(v1SendURL, app.ProjectID)
	default:
		return nil, fmt.Errorf("app %q: unknown api_version %q", app.AppID, app.APIVersion)
	}

	httpClient, err := transport.NewHTTP2Client(transport.ClientOptions{
		ProxyURL:       cfg.ProxyFor(app),
		MaxConnections: app.MaxConnections,
		Timeout:        20 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("app %q: %w", app.AppID, err)
	}
	p.httpClient = httpClient
	return p, nil
}

// Name returns the app-id pattern this pushkin serves.
func (p *Pushkin) Name() string {
	return p.appID
}

// Dispatch pushes to a single device.
func (p *Pushkin) Dispatch(ctx context.Context, n *notification.Notification, device *notification.Device) pushkin.Outcome {
	return p.DispatchBatch(ctx, n, []*notification.Device{device})[0]
}

// DispatchBatch pushes to several devices at once. In legacy mode devices
// are sent in multicast chunks; v1 requires one call per device.
func (p *Pushkin) DispatchBatch(ctx context.Context, n *notification.Notification, devices []*notification.Device) []pushkin.Outcome {
	outcomes := make([]pushkin.Outcome, len(devices))

	if p.breaker.Degraded() {
		fill(outcomes, pushkin.Retry("FCM rejected our credentials recently"))
		return outcomes
	}

	if p.apiVersion == "v1" {
		for i, device := range devices {
			outcomes[i] = p.dispatchV1(ctx, n, device)
		}
		return outcomes
	}

	for start := 0; start < len(devices); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(devices) {
			end = len(devices)
		}
		chunk := devices[start:end]
		for i, out := range p.dispatchLegacyChunk(ctx, n, chunk) {
			outcomes[start+i] = out
		}
	}
	return outcomes
}

// Shutdown closes the idle HTTP/2 connections.
func (p *Pushkin) Shutdown(_ context.Context) error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func fill(outcomes []pushkin.Outcome, o pushkin.Outcome) {
	for i := range outcomes {
		outcomes[i] = o
	}
}

// send posts the body with retries for transport-level failures only.
func (p *Pushkin) send(ctx context.Context, body []byte, authorization string) (*http.Response, []byte, error) {
	var resp *http.Response
	var respBody []byte

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", authorization)

		r, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return err
		}
		resp, respBody = r, b
		return nil
	}
	if err := backoff.Retry(post, pushkin.TransportBackOff(ctx)); err != nil {
		return nil, nil, err
	}
	metrics.UpstreamStatusCodes.WithLabelValues(p.appID, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, respBody, nil
}

func (p *Pushkin) dispatchLegacyChunk(ctx context.Context, n *notification.Notification, devices []*notification.Device) []pushkin.Outcome {
	outcomes := make([]pushkin.Outcome, len(devices))

	body, err := p.legacyBody(n, devices)
	if err != nil {
		p.logger.Warn("Could not build FCM request", "err", err)
		fill(outcomes, pushkin.Retry(err.Error()))
		return outcomes
	}

	resp, respBody, err := p.send(ctx, body, "key="+p.apiKey)
	if err != nil {
		p.logger.Warn("FCM transport failure", "err", err)
		fill(outcomes, pushkin.Retry("transport failure: "+err.Error()))
		return outcomes
	}

	switch {
	case resp.StatusCode == 200:
		return p.parseLegacyResults(respBody, devices, outcomes)
	case resp.StatusCode == 400:
		p.logger.Error("FCM rejected request as invalid", "body", string(respBody))
		fill(outcomes, pushkin.Retry("upstream rejected request as invalid"))
	case resp.StatusCode == 401:
		p.logger.Error("FCM rejected our API key; degrading pushkin", "window", pushkin.DegradedWindow)
		p.breaker.Trip(pushkin.DegradedWindow)
		fill(outcomes, pushkin.Retry("API key rejected"))
	case resp.StatusCode == 404:
		fill(outcomes, pushkin.Reject("upstream returned 404"))
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		fill(outcomes, pushkin.RetryAfter(fmt.Sprintf("upstream status %d", resp.StatusCode), retryAfter(resp)))
	default:
		fill(outcomes, pushkin.Retry(fmt.Sprintf("unexpected upstream status %d", resp.StatusCode)))
	}
	return outcomes
}

// legacyResult is one entry of the legacy API's results array.
type legacyResult struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

func (p *Pushkin) parseLegacyResults(respBody []byte, devices []*notification.Device, outcomes []pushkin.Outcome) []pushkin.Outcome {
	var parsed struct {
		Results []legacyResult `json:"results"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Results) != len(devices) {
		p.logger.Error("FCM results array does not match request", "err", err,
			"got", len(parsed.Results), "want", len(devices))
		fill(outcomes, pushkin.Retry("unparseable upstream response"))
		return outcomes
	}

	for i, result := range parsed.Results {
		switch {
		case result.Error == "":
			if result.RegistrationID != "" {
				p.logger.Info("FCM reports updated registration id",
					"pushkey", devices[i].Pushkey, "canonical", result.RegistrationID)
			}
			outcomes[i] = pushkin.Delivered()
		default:
			if _, dead := badPushkeyCodes[result.Error]; dead {
				outcomes[i] = pushkin.Reject(result.Error)
			} else {
				outcomes[i] = pushkin.Retry(result.Error)
			}
		}
	}
	return outcomes
}

func (p *Pushkin) dispatchV1(ctx context.Context, n *notification.Notification, device *notification.Device) pushkin.Outcome {
	tok, err := p.tokens.Token()
	if err != nil {
		p.logger.Error("Could not mint FCM access token; degrading pushkin", "err", err)
		p.breaker.Trip(pushkin.DegradedWindow)
		return pushkin.Retry("could not mint access token")
	}

	body, err := p.v1Body(n, device)
	if err != nil {
		p.logger.Warn("Could not build FCM request", "err", err)
		return pushkin.Retry(err.Error())
	}

	resp, respBody, err := p.send(ctx, body, "Bearer "+tok.AccessToken)
	if err != nil {
		p.logger.Warn("FCM transport failure", "err", err)
		return pushkin.Retry("transport failure: " + err.Error())
	}

	switch {
	case resp.StatusCode == 200:
		return pushkin.Delivered()
	case resp.StatusCode == 404:
		return pushkin.Reject("UNREGISTERED")
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		p.logger.Error("FCM rejected our access token; degrading pushkin",
			"status", resp.StatusCode, "window", pushkin.DegradedWindow)
		p.breaker.Trip(pushkin.DegradedWindow)
		return pushkin.Retry("access token rejected")
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return pushkin.RetryAfter(fmt.Sprintf("upstream status %d", resp.StatusCode), retryAfter(resp))
	default:
		p.logger.Warn("FCM rejected notification", "status", resp.StatusCode, "body", string(respBody))
		return pushkin.Retry(fmt.Sprintf("unexpected upstream status %d", resp.StatusCode))
	}
}

// retryAfter parses a Retry-After header as either delta-seconds or an HTTP
// date, returning 0 when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (p *Pushkin) legacyBody(n *notification.Notification, devices []*notification.Device) ([]byte, error) {
	data := baseData(n)
	if n.Content != nil {
		data["content"] = n.Content
	}
	if defaults, ok := devices[0].DefaultPayload(); ok {
		for k, v := range defaults {
			if _, derived := data[k]; !derived {
				data[k] = v
			}
		}
	}

	body := map[string]any{}
	for k, v := range p.fcmOptions {
		body[k] = v
	}
	body["data"] = data
	body["priority"] = priorityFor(n, devices)
	if len(devices) == 1 {
		body["to"] = devices[0].Pushkey
	} else {
		ids := make([]string, len(devices))
		for i, d := range devices {
			ids[i] = d.Pushkey
		}
		body["registration_ids"] = ids
	}

	return marshalCapped(body, func() {
		shrinkContent(data)
	})
}

func (p *Pushkin) v1Body(n *notification.Notification, device *notification.Device) ([]byte, error) {
	data := map[string]string{}
	if defaults, ok := device.DefaultPayload(); ok {
		for k, v := range defaults {
			data[k] = stringify(v)
		}
	}
	for k, v := range baseData(n) {
		data[k] = stringify(v)
	}
	for k, v := range n.Content {
		data["content_"+k] = stringify(v)
	}
	for k, v := range data {
		data[k] = capField(v)
	}

	message := map[string]any{
		"token": device.Pushkey,
		"data":  data,
		"android": map[string]any{
			"priority": priorityFor(n, []*notification.Device{device}),
		},
	}
	for k, v := range p.fcmOptions {
		if _, derived := message[k]; !derived {
			message[k] = v
		}
	}

	return marshalCapped(map[string]any{"message": message}, func() {
		delete(data, "content_body")
		delete(data, "content_formatted_body")
	})
}

// marshalCapped serializes the body and, if oversized, applies shrink once
// and retries before giving up.
func marshalCapped(body map[string]any, shrink func()) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("serializing request: %w", err)
	}
	if len(raw) <= maxPayloadBytes {
		return raw, nil
	}
	shrink()
	if raw, err = json.Marshal(body); err != nil {
		return nil, fmt.Errorf("serializing request: %w", err)
	}
	if len(raw) > maxPayloadBytes {
		return nil, fmt.Errorf("request is %d bytes after truncation, limit is %d", len(raw), maxPayloadBytes)
	}
	return raw, nil
}

func shrinkContent(data map[string]any) {
	if content, ok := data["content"].(map[string]any); ok {
		trimmed := make(map[string]any, len(content))
		for k, v := range content {
			if k == "body" || k == "formatted_body" {
				continue
			}
			trimmed[k] = v
		}
		data["content"] = trimmed
	}
}

// baseData flattens the notification metadata shared by both API versions.
func baseData(n *notification.Notification) map[string]any {
	data := map[string]any{}
	set := func(k, v string) {
		if v != "" {
			data[k] = v
		}
	}
	set("event_id", n.EventID)
	set("room_id", n.RoomID)
	set("type", n.Type)
	set("sender", n.Sender)
	set("sender_display_name", n.SenderDisplayName)
	set("room_name", n.RoomName)
	set("room_alias", n.RoomAlias)
	set("membership", n.Membership)
	set("prio", n.Prio)
	if n.Counts.Unread != nil {
		data["unread"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		data["missed_calls"] = *n.Counts.MissedCalls
	}
	return data
}

func priorityFor(n *notification.Notification, devices []*notification.Device) string {
	if n.Type == "m.call.invite" {
		return "high"
	}
	for _, d := range devices {
		if d.Tweaks.Highlight {
			return "high"
		}
	}
	if n.Prio == "high" {
		return "high"
	}
	return "normal"
}

// stringify renders a data value as the string FCM v1 requires; strings pass
// through, anything else is JSON-encoded.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// capField truncates a data value to the per-field byte limit, on a rune
// boundary.
func capField(s string) string {
	if len(s) <= maxBytesPerField {
		return s
	}
	cut := maxBytesPerField
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
