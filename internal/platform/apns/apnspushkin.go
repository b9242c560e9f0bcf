// Package apns pushes notifications through the Apple Push Notification
// service provider API.
package apns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/transport"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

// Localization keys resolved client-side by the app.
const (
	locMsgFromUser                = "MSG_FROM_USER"
	locMsgFromUserWithContent     = "MSG_FROM_USER_WITH_CONTENT"
	locMsgFromUserInRoom          = "MSG_FROM_USER_IN_ROOM"
	locMsgFromUserInRoomWithBody  = "MSG_FROM_USER_IN_ROOM_WITH_CONTENT"
	locImageFromUser              = "IMAGE_FROM_USER"
	locImageFromUserInRoom        = "IMAGE_FROM_USER_IN_ROOM"
	locActionFromUser             = "ACTION_FROM_USER"
	locActionFromUserInRoom       = "ACTION_FROM_USER_IN_ROOM"
	locVoiceCallFromUser          = "VOICE_CALL_FROM_USER"
	locUserInviteToNamedRoom      = "USER_INVITE_TO_NAMED_ROOM"
	locUserInviteToChat           = "USER_INVITE_TO_CHAT"
)

const maxPayloadBytes = 4096

// uidOID is the userId attribute in an APNs certificate subject, which
// carries the app bundle id for certificate-auth pushkins.
var uidOID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

var defaultRejectReasons = []string{
	apns2.ReasonBadDeviceToken,
	apns2.ReasonDeviceTokenNotForTopic,
	apns2.ReasonUnregistered,
	apns2.ReasonBadTopic,
	apns2.ReasonTopicDisallowed,
	apns2.ReasonMissingDeviceToken,
}

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Pushkin delivers notifications for one app-id pattern via APNs.
type Pushkin struct {
	appID             string
	client            APNSClient
	httpClient        interface{ CloseIdleConnections() }
	topic             string
	pushType          apns2.EPushType
	convertTokenToHex bool
	rejectReasons     map[string]struct{}
	breaker           pushkin.Breaker
	logger            *slog.Logger
}

// New creates an APNs pushkin from its app config. Credentials are loaded
// and validated immediately so a bad certfile or p8 key fails at startup.
func New(cfg *config.Config, app *config.App, logger *slog.Logger) (*Pushkin, error) {
	host, err := hostForPlatform(app.Platform)
	if err != nil {
		return nil, fmt.Errorf("app %q: %w", app.AppID, err)
	}

	p := &Pushkin{
		appID:             app.AppID,
		topic:             app.Topic,
		pushType:          apns2.EPushType(app.PushType),
		convertTokenToHex: app.ConvertTokenToHex,
		rejectReasons:     make(map[string]struct{}),
		logger:            logger.With("component", "APNSPushkin", "app_id", app.AppID),
	}

	reasons := app.RejectReasons
	if len(reasons) == 0 {
		reasons = defaultRejectReasons
	}
	for _, r := range reasons {
		p.rejectReasons[r] = struct{}{}
	}

	opts := transport.ClientOptions{
		ProxyURL:       cfg.ProxyFor(app),
		MaxConnections: app.MaxConnections,
		Timeout:        20 * time.Second,
	}

	var tok *token.Token
	switch {
	case app.CertFile != "":
		cert, err := certificate.FromPemFile(app.CertFile, "")
		if err != nil {
			return nil, fmt.Errorf("app %q: loading APNs certificate: %w", app.AppID, err)
		}
		if err := p.inspectCertificate(cert); err != nil {
			return nil, fmt.Errorf("app %q: %w", app.AppID, err)
		}
		opts.Certificates = []tls.Certificate{cert}

	case app.KeyFile != "":
		if app.KeyID == "" || app.TeamID == "" || app.Topic == "" {
			return nil, fmt.Errorf("app %q: token auth requires key_id, team_id and topic", app.AppID)
		}
		authKey, err := token.AuthKeyFromFile(app.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("app %q: loading APNs p8 key: %w", app.AppID, err)
		}
		tok = &token.Token{AuthKey: authKey, KeyID: app.KeyID, TeamID: app.TeamID}

	default:
		return nil, fmt.Errorf("app %q: either certfile or keyfile is required", app.AppID)
	}

	httpClient, err := transport.NewHTTP2Client(opts)
	if err != nil {
		return nil, fmt.Errorf("app %q: %w", app.AppID, err)
	}
	p.httpClient = httpClient
	p.client = &apns2.Client{
		HTTPClient: httpClient,
		Token:      tok,
		Host:       host,
	}
	return p, nil
}

func hostForPlatform(platform string) (string, error) {
	switch platform {
	case "", "production", "prod":
		return apns2.HostProduction, nil
	case "sandbox", "development":
		return apns2.HostDevelopment, nil
	default:
		return "", fmt.Errorf("unknown APNs platform %q", platform)
	}
}

// inspectCertificate records the expiry metric, warns on imminent expiry and
// takes the topic from the subject when it was not configured explicitly.
func (p *Pushkin) inspectCertificate(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return fmt.Errorf("certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing APNs certificate: %w", err)
	}

	metrics.CertificateExpiry.WithLabelValues(p.appID).Set(float64(leaf.NotAfter.Unix()))
	if remaining := time.Until(leaf.NotAfter); remaining < 30*24*time.Hour {
		p.logger.Warn("APNs certificate expires soon",
			"not_after", leaf.NotAfter,
			"remaining", remaining.Round(time.Hour),
		)
	}

	if p.topic == "" {
		for _, name := range leaf.Subject.Names {
			if name.Type.Equal(uidOID) {
				if uid, ok := name.Value.(string); ok {
					p.topic = uid
				}
			}
		}
		if p.topic == "" {
			p.topic = leaf.Subject.CommonName
		}
	}
	return nil
}

// Name returns the app-id pattern this pushkin serves.
func (p *Pushkin) Name() string {
	return p.appID
}

// Dispatch pushes one notification to one APNs device.
func (p *Pushkin) Dispatch(ctx context.Context, n *notification.Notification, device *notification.Device) pushkin.Outcome {
	if p.breaker.Degraded() {
		return pushkin.Retry("APNs rejected our credentials recently")
	}

	if strings.Contains(device.Pushkey, ":") {
		p.logger.Warn("Rejecting pushkey containing ':'; it looks like an FCM token sent to an APNs app",
			"pushkey", device.Pushkey)
		return pushkin.Reject("pushkey is not an APNs device token")
	}

	deviceToken := device.Pushkey
	if p.convertTokenToHex {
		deviceToken = tokenToHex(deviceToken)
	}

	payload, shape, empty := p.buildPayload(n, device)
	if empty {
		return pushkin.Delivered()
	}

	body, err := truncatePayload(payload, shape, maxPayloadBytes)
	if err != nil {
		p.logger.Warn("Payload still oversized after truncation", "event_id", n.EventID)
		return pushkin.Retry("payload too large")
	}

	note := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       p.topic,
		Payload:     json.RawMessage(body),
		Priority:    apns2.PriorityHigh,
		PushType:    p.pushType,
	}
	if n.Prio == "low" {
		note.Priority = apns2.PriorityLow
	}

	var resp *apns2.Response
	push := func() error {
		r, err := p.client.PushWithContext(ctx, note)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(push, pushkin.TransportBackOff(ctx)); err != nil {
		p.logger.Warn("APNs transport failure", "err", err)
		return pushkin.Retry("transport failure: " + err.Error())
	}
	return p.mapResponse(resp, device)
}

func (p *Pushkin) mapResponse(resp *apns2.Response, device *notification.Device) pushkin.Outcome {
	metrics.UpstreamStatusCodes.WithLabelValues(p.appID, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.Sent() {
		return pushkin.Delivered()
	}

	switch {
	case resp.Reason == apns2.ReasonInvalidProviderToken || resp.Reason == apns2.ReasonExpiredProviderToken:
		p.logger.Error("APNs rejected our provider credentials; degrading pushkin",
			"reason", resp.Reason, "window", pushkin.DegradedWindow)
		p.breaker.Trip(pushkin.DegradedWindow)
		return pushkin.Retry("provider credentials rejected")

	case resp.StatusCode == 410:
		return pushkin.Reject(resp.Reason)

	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return pushkin.Retry(fmt.Sprintf("upstream status %d", resp.StatusCode))

	default:
		if _, reject := p.rejectReasons[resp.Reason]; reject {
			return pushkin.Reject(resp.Reason)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			p.logger.Warn("APNs rejected notification", "reason", resp.Reason, "status", resp.StatusCode,
				"pushkey", device.Pushkey)
			return pushkin.Reject(resp.Reason)
		}
		return pushkin.Retry(fmt.Sprintf("unexpected upstream status %d", resp.StatusCode))
	}
}

// Shutdown closes the idle HTTP/2 connections.
func (p *Pushkin) Shutdown(_ context.Context) error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

// tokenToHex converts a base64 pushkey into the hex form APNs expects in the
// request path. Pushkeys that do not decode are passed through unchanged.
func tokenToHex(pushkey string) string {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if raw, err := enc.DecodeString(pushkey); err == nil {
			return hex.EncodeToString(raw)
		}
	}
	return pushkey
}

// buildPayload assembles the APNs JSON payload for the device. The returned
// shape describes which alert arguments may be trimmed if the payload is
// oversized. empty is true when there is nothing worth sending.
func (p *Pushkin) buildPayload(n *notification.Notification, device *notification.Device) (map[string]any, *alertShape, bool) {
	badge, hasBadge := badgeFor(n)

	if n.FormatFor(device) == notification.FormatEventIDOnly {
		aps := map[string]any{"content-available": 1}
		if hasBadge {
			aps["badge"] = badge
		}
		payload := map[string]any{"aps": aps}
		if n.RoomID != "" {
			payload["room_id"] = n.RoomID
		}
		if n.EventID != "" {
			payload["event_id"] = n.EventID
		}
		return payload, nil, false
	}

	shape := shapeAlert(n)
	if shape == nil && !hasBadge {
		return nil, nil, true
	}

	payload := map[string]any{}
	if defaults, ok := device.DefaultPayload(); ok {
		for k, v := range defaults {
			payload[k] = v
		}
	} else {
		p.logger.Warn("Device default_payload is not an object; ignoring", "pushkey", device.Pushkey)
	}

	aps, _ := payload["aps"].(map[string]any)
	if aps == nil {
		aps = map[string]any{}
	}
	if shape != nil {
		aps["alert"] = map[string]any{
			"loc-key":  shape.LocKey,
			"loc-args": shape.LocArgs,
		}
		aps["content-available"] = 1
		if device.Tweaks.Sound != "" {
			aps["sound"] = device.Tweaks.Sound
		}
	}
	if hasBadge {
		aps["badge"] = badge
	}
	payload["aps"] = aps

	if n.RoomID != "" {
		payload["room_id"] = n.RoomID
	}
	if n.EventID != "" {
		payload["event_id"] = n.EventID
	}
	return payload, shape, false
}

func badgeFor(n *notification.Notification) (int, bool) {
	badge, present := 0, false
	if n.Counts.Unread != nil {
		badge += *n.Counts.Unread
		present = true
	}
	if n.Counts.MissedCalls != nil {
		badge += *n.Counts.MissedCalls
		present = true
	}
	return badge, present
}

// shapeAlert picks the localization key and arguments for the event, or nil
// when the event does not warrant a visible alert.
func shapeAlert(n *notification.Notification) *alertShape {
	from := n.SenderDisplay()
	room := n.RoomDisplay()

	switch n.Type {
	case "m.room.message", "m.room.encrypted":
		body, _ := n.Content["body"].(string)
		msgtype, _ := n.Content["msgtype"].(string)
		isEmote := msgtype == "m.emote"
		isImage := msgtype == "m.image"

		if room != "" {
			switch {
			case body != "" && isEmote:
				return &alertShape{
					LocKey: locActionFromUserInRoom, LocArgs: []string{room, from, body},
					roomIdx: 0, senderIdx: 1, contentIdx: 2,
					dropKey: locMsgFromUserInRoom, dropArgs: []string{from, room},
				}
			case body != "" && isImage:
				return &alertShape{
					LocKey: locImageFromUserInRoom, LocArgs: []string{from, body, room},
					senderIdx: 0, contentIdx: 1, roomIdx: 2,
					dropKey: locMsgFromUserInRoom, dropArgs: []string{from, room},
				}
			case body != "":
				return &alertShape{
					LocKey: locMsgFromUserInRoomWithBody, LocArgs: []string{from, room, body},
					senderIdx: 0, roomIdx: 1, contentIdx: 2,
					dropKey: locMsgFromUserInRoom, dropArgs: []string{from, room},
				}
			default:
				return &alertShape{
					LocKey: locMsgFromUserInRoom, LocArgs: []string{from, room},
					senderIdx: 0, roomIdx: 1, contentIdx: -1,
				}
			}
		}
		switch {
		case body != "" && isEmote:
			return &alertShape{
				LocKey: locActionFromUser, LocArgs: []string{from, body},
				senderIdx: 0, contentIdx: 1, roomIdx: -1,
				dropKey: locMsgFromUser, dropArgs: []string{from},
			}
		case body != "" && isImage:
			return &alertShape{
				LocKey: locImageFromUser, LocArgs: []string{from, body},
				senderIdx: 0, contentIdx: 1, roomIdx: -1,
				dropKey: locMsgFromUser, dropArgs: []string{from},
			}
		case body != "":
			return &alertShape{
				LocKey: locMsgFromUserWithContent, LocArgs: []string{from, body},
				senderIdx: 0, contentIdx: 1, roomIdx: -1,
				dropKey: locMsgFromUser, dropArgs: []string{from},
			}
		default:
			return &alertShape{
				LocKey: locMsgFromUser, LocArgs: []string{from},
				senderIdx: 0, contentIdx: -1, roomIdx: -1,
			}
		}

	case "m.call.invite":
		return &alertShape{
			LocKey: locVoiceCallFromUser, LocArgs: []string{from},
			senderIdx: 0, contentIdx: -1, roomIdx: -1,
		}

	case "m.room.member":
		if !n.UserIsTarget || n.Membership != "invite" {
			return nil
		}
		if room != "" {
			return &alertShape{
				LocKey: locUserInviteToNamedRoom, LocArgs: []string{from, room},
				senderIdx: 0, roomIdx: 1, contentIdx: -1,
			}
		}
		return &alertShape{
			LocKey: locUserInviteToChat, LocArgs: []string{from},
			senderIdx: 0, contentIdx: -1, roomIdx: -1,
		}

	default:
		if n.Type != "" && from != "" {
			return &alertShape{
				LocKey: locMsgFromUser, LocArgs: []string{from},
				senderIdx: 0, contentIdx: -1, roomIdx: -1,
			}
		}
		return nil
	}
}
