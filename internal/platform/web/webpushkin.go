// Package web pushes notifications to browser service workers over the
// WebPush protocol with VAPID authentication.
package web

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/transport"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

const (
	maxBodyChars       = 1000
	maxCiphertextChars = 2000

	// Topic header values must be at most 32 base64url characters; a
	// 22-byte digest encodes to 30.
	topicDigestLen = 22
)

// Pushkin delivers notifications to WebPush endpoints for one app-id
// pattern.
type Pushkin struct {
	appID            string
	httpClient       *http.Client
	vapidPrivateKey  string
	vapidPublicKey   string
	subscriber       string
	ttl              int
	allowedEndpoints []*regexp.Regexp
	logger           *slog.Logger

	// generation map for only_last_per_room coalescing, keyed by
	// pushkey and room id. Capacity is one pending send per key.
	mu          sync.Mutex
	generations map[string]uint64
}

// New creates a WebPush pushkin from its app config. The VAPID key is
// loaded and the public key derived immediately so bad keys fail at
// startup.
func New(cfg *config.Config, app *config.App, logger *slog.Logger) (*Pushkin, error) {
	if app.VapidPrivateKey == "" {
		return nil, fmt.Errorf("app %q: vapid_private_key is required", app.AppID)
	}
	if app.VapidContactEmail == "" {
		return nil, fmt.Errorf("app %q: vapid_contact_email is required", app.AppID)
	}

	priv, pub, err := loadVapidKey(app.VapidPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("app %q: loading VAPID key: %w", app.AppID, err)
	}

	patterns := make([]*regexp.Regexp, 0, len(app.AllowedEndpoints))
	for _, glob := range app.AllowedEndpoints {
		re, err := compileGlob(glob)
		if err != nil {
			return nil, fmt.Errorf("app %q: invalid allowed_endpoints entry %q: %w", app.AppID, glob, err)
		}
		patterns = append(patterns, re)
	}

	httpClient, err := transport.NewHTTP2Client(transport.ClientOptions{
		ProxyURL:       cfg.ProxyFor(app),
		MaxConnections: app.MaxConnections,
		Timeout:        20 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("app %q: %w", app.AppID, err)
	}

	return &Pushkin{
		appID:            app.AppID,
		httpClient:       httpClient,
		vapidPrivateKey:  priv,
		vapidPublicKey:   pub,
		subscriber:       "mailto:" + app.VapidContactEmail,
		ttl:              app.TTL,
		allowedEndpoints: patterns,
		logger:           logger.With("component", "WebPushkin", "app_id", app.AppID),
		generations:      make(map[string]uint64),
	}, nil
}

// Name returns the app-id pattern this pushkin serves.
func (p *Pushkin) Name() string {
	return p.appID
}

// Dispatch pushes one notification to one WebPush subscription.
func (p *Pushkin) Dispatch(ctx context.Context, n *notification.Notification, device *notification.Device) pushkin.Outcome {
	endpoint := device.DataString("endpoint")
	auth := device.DataString("auth")
	p256dh := device.Pushkey

	if endpoint == "" || auth == "" || p256dh == "" {
		return pushkin.Reject("incomplete WebPush subscription")
	}
	if !validSubscriptionKeys(p256dh, auth) {
		return pushkin.Reject("malformed WebPush subscription keys")
	}

	target, err := url.Parse(endpoint)
	if err != nil || target.Host == "" {
		return pushkin.Reject("unparseable endpoint")
	}
	if len(p.allowedEndpoints) > 0 && !p.endpointAllowed(target.Hostname()) {
		p.logger.Warn("Endpoint host not in allow-list", "host", target.Hostname())
		return pushkin.Reject("endpoint not allowed")
	}

	if device.DataBool("events_only") && n.EventID == "" {
		return pushkin.Delivered()
	}

	payload := p.buildPayload(n, device)

	opts := &webpush.Options{
		HTTPClient:      p.httpClient,
		Subscriber:      p.subscriber,
		TTL:             p.ttlFor(device),
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  p.vapidPublicKey,
		VAPIDPrivateKey: p.vapidPrivateKey,
	}
	if n.Prio == "low" {
		opts.Urgency = webpush.UrgencyLow
	}

	var genKey string
	var myGen uint64
	if device.DataBool("only_last_per_room") && n.RoomID != "" {
		opts.Topic = roomTopic(n.RoomID)
		genKey = device.Pushkey + "\x00" + n.RoomID
		p.mu.Lock()
		p.generations[genKey]++
		myGen = p.generations[genKey]
		p.mu.Unlock()
	}

	sub := &webpush.Subscription{
		Endpoint: endpoint,
		Keys:     webpush.Keys{Auth: auth, P256dh: p256dh},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return pushkin.Retry("serializing payload: " + err.Error())
	}

	if genKey != "" && p.superseded(genKey, myGen) {
		return pushkin.Delivered()
	}
	defer p.forget(genKey, myGen)

	outcome := p.push(ctx, body, sub, opts)
	if outcome.Kind == pushkin.KindRejected && outcome.Reason == "payload too large" {
		// One shrink attempt: the message body carries most of the bytes.
		if content, ok := payload["content"].(map[string]any); ok {
			delete(content, "body")
			if body, err = json.Marshal(payload); err == nil {
				return p.push(ctx, body, sub, opts)
			}
		}
	}
	return outcome
}

// Shutdown closes the idle HTTP/2 connections.
func (p *Pushkin) Shutdown(_ context.Context) error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *Pushkin) push(ctx context.Context, body []byte, sub *webpush.Subscription, opts *webpush.Options) pushkin.Outcome {
	var resp *http.Response
	send := func() error {
		r, err := webpush.SendNotificationWithContext(ctx, body, sub, opts)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(send, pushkin.TransportBackOff(ctx)); err != nil {
		p.logger.Warn("WebPush transport failure", "err", err)
		return pushkin.Retry("transport failure: " + err.Error())
	}
	defer resp.Body.Close()
	metrics.UpstreamStatusCodes.WithLabelValues(p.appID, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if got := resp.Header.Get("TTL"); got != "" && got != strconv.Itoa(opts.TTL) {
			p.logger.Debug("Push service stored notification with different TTL",
				"requested", opts.TTL, "stored", got)
		}
		return pushkin.Delivered()
	case resp.StatusCode == 404 || resp.StatusCode == 410:
		return pushkin.Reject("subscription expired")
	case resp.StatusCode == 400:
		return pushkin.Reject("push service rejected request")
	case resp.StatusCode == 413:
		return pushkin.Reject("payload too large")
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return pushkin.RetryAfter(fmt.Sprintf("upstream status %d", resp.StatusCode), retryAfter(resp))
	default:
		return pushkin.Retry(fmt.Sprintf("unexpected upstream status %d", resp.StatusCode))
	}
}

func (p *Pushkin) superseded(genKey string, myGen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations[genKey] != myGen
}

func (p *Pushkin) forget(genKey string, myGen uint64) {
	if genKey == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generations[genKey] == myGen {
		delete(p.generations, genKey)
	}
}

func (p *Pushkin) endpointAllowed(host string) bool {
	for _, re := range p.allowedEndpoints {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func (p *Pushkin) ttlFor(device *notification.Device) int {
	if device.Data != nil {
		if v, ok := device.Data["ttl"].(float64); ok && v >= 0 {
			return int(v)
		}
	}
	return p.ttl
}

func (p *Pushkin) buildPayload(n *notification.Notification, device *notification.Device) map[string]any {
	payload := map[string]any{}
	if defaults, ok := device.DefaultPayload(); ok {
		for k, v := range defaults {
			payload[k] = v
		}
	}

	set := func(k, v string) {
		if v != "" {
			payload[k] = v
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

	if content := cleanContent(n.Content); content != nil {
		payload["content"] = content
	}

	counts := map[string]any{}
	if n.Counts.Unread != nil {
		counts["unread"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		counts["missed_calls"] = *n.Counts.MissedCalls
	}
	if len(counts) > 0 {
		payload["counts"] = counts
	}
	return payload
}

// cleanContent strips fields browsers must not render raw and caps the
// heavyweight ones: formatted_body is removed, body is capped with an
// ellipsis, oversized megolm ciphertext is dropped.
func cleanContent(content map[string]any) map[string]any {
	if content == nil {
		return nil
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		switch k {
		case "formatted_body":
			continue
		case "body":
			if s, ok := v.(string); ok {
				if runes := []rune(s); len(runes) > maxBodyChars {
					v = string(runes[:maxBodyChars-1]) + "…"
				}
			}
		case "ciphertext":
			if s, ok := v.(string); ok && len(s) > maxCiphertextChars {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// roomTopic derives a Topic header value from the room id. The digest is
// kept to 22 bytes so its base64url form fits the 32-character limit.
func roomTopic(roomID string) string {
	h, err := blake2b.New(topicDigestLen, nil)
	if err != nil {
		return ""
	}
	h.Write([]byte(roomID))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func validSubscriptionKeys(p256dh, auth string) bool {
	key, err := decodeBase64URL(p256dh)
	if err != nil || len(key) != 65 || key[0] != 0x04 {
		return false
	}
	secret, err := decodeBase64URL(auth)
	return err == nil && len(secret) > 0
}

func decodeBase64URL(s string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
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

// loadVapidKey accepts either a path to a PEM-encoded P-256 private key or
// the key's base64url scalar directly, and returns the base64url private
// and uncompressed public keys the VAPID headers need.
func loadVapidKey(value string) (private, public string, err error) {
	var scalar []byte

	if data, readErr := os.ReadFile(value); readErr == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return "", "", fmt.Errorf("file %s is not PEM", value)
		}
		key, parseErr := x509.ParseECPrivateKey(block.Bytes)
		if parseErr != nil {
			parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if pkcs8Err != nil {
				return "", "", fmt.Errorf("parsing %s: %w", value, parseErr)
			}
			ecKey, ok := parsed.(*ecdsa.PrivateKey)
			if !ok {
				return "", "", fmt.Errorf("%s does not contain an EC private key", value)
			}
			key = ecKey
		}
		scalar = key.D.FillBytes(make([]byte, 32))
	} else {
		var decErr error
		scalar, decErr = decodeBase64URL(value)
		if decErr != nil || len(scalar) != 32 {
			return "", "", fmt.Errorf("value is neither a readable file nor a base64url P-256 scalar")
		}
	}

	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return "", "", fmt.Errorf("invalid P-256 scalar: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(scalar),
		base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()), nil
}

// compileGlob turns an allow-list entry into an anchored host matcher where
// '*' spans any run of characters.
func compileGlob(glob string) (*regexp.Regexp, error) {
	parts := strings.Split(glob, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
