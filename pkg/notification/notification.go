// Package notification contains the public domain model for inbound push
// notifications, following the Matrix Push Gateway API
// (`POST /_matrix/push/v1/notify`).
package notification

import (
	"encoding/json"
	"fmt"
)

// FormatEventIDOnly asks pushkins to collapse the payload down to event and
// room identifiers only.
const FormatEventIDOnly = "event_id_only"

// InvalidError reports a body that parsed as JSON but does not describe a
// valid notification. It maps to HTTP 400 at the API layer.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid notification: " + e.Reason
}

func invalidf(format string, args ...any) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Tweaks are the user-configured delivery hints attached by the homeserver.
type Tweaks struct {
	Sound     string `json:"sound,omitempty"`
	Highlight bool   `json:"highlight,omitempty"`
}

// Counts carries the unread counters for the recipient. Pointers distinguish
// "absent" from an explicit zero, which matters for badge handling.
type Counts struct {
	Unread      *int `json:"unread,omitempty"`
	MissedCalls *int `json:"missed_calls,omitempty"`
}

// Device is a single push target within a notification.
type Device struct {
	AppID     string         `json:"app_id"`
	Pushkey   string         `json:"pushkey"`
	PushkeyTS int64          `json:"pushkey_ts,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Tweaks    Tweaks         `json:"tweaks,omitempty"`
}

// DefaultPayload returns the homeserver-registered base payload for this
// device, or nil if absent or misconfigured (non-object).
func (d *Device) DefaultPayload() (map[string]any, bool) {
	if d.Data == nil {
		return nil, true
	}
	raw, present := d.Data["default_payload"]
	if !present {
		return nil, true
	}
	payload, ok := raw.(map[string]any)
	return payload, ok
}

// DataString returns a string-typed field from the device data bag.
func (d *Device) DataString(key string) string {
	if d.Data == nil {
		return ""
	}
	s, _ := d.Data[key].(string)
	return s
}

// DataBool returns a bool-typed field from the device data bag.
func (d *Device) DataBool(key string) bool {
	if d.Data == nil {
		return false
	}
	b, _ := d.Data[key].(bool)
	return b
}

// Notification is the normalized inbound notification.
type Notification struct {
	EventID           string         `json:"event_id,omitempty"`
	RoomID            string         `json:"room_id,omitempty"`
	Type              string         `json:"type,omitempty"`
	Sender            string         `json:"sender,omitempty"`
	SenderDisplayName string         `json:"sender_display_name,omitempty"`
	RoomName          string         `json:"room_name,omitempty"`
	RoomAlias         string         `json:"room_alias,omitempty"`
	Membership        string         `json:"membership,omitempty"`
	UserIsTarget      bool           `json:"user_is_target,omitempty"`
	Prio              string         `json:"prio,omitempty"`
	Content           map[string]any `json:"content,omitempty"`
	Counts            Counts         `json:"counts,omitempty"`
	Format            string         `json:"format,omitempty"`
	Devices           []Device       `json:"devices"`
}

// FormatFor resolves the payload format for a device; the device-level
// `data.format` wins over the notification-level field.
func (n *Notification) FormatFor(d *Device) string {
	if f := d.DataString("format"); f != "" {
		return f
	}
	return n.Format
}

// SenderDisplay returns the best human-readable name for the sender.
func (n *Notification) SenderDisplay() string {
	if n.SenderDisplayName != "" {
		return n.SenderDisplayName
	}
	return n.Sender
}

// RoomDisplay returns the best human-readable name for the room, or "".
func (n *Notification) RoomDisplay() string {
	if n.RoomName != "" {
		return n.RoomName
	}
	return n.RoomAlias
}

type envelope struct {
	Notification json.RawMessage `json:"notification"`
}

// Parse decodes and validates the JSON body of a notify request, returning
// the normalized notification. Malformed JSON and schema violations return
// an *InvalidError.
func Parse(body []byte) (*Notification, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, invalidf("expected JSON request body: %v", err)
	}
	if len(env.Notification) == 0 {
		return nil, invalidf("expecting object in 'notification' key")
	}

	var n Notification
	if err := json.Unmarshal(env.Notification, &n); err != nil {
		return nil, invalidf("malformed notification object: %v", err)
	}
	if err := n.Normalize(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Normalize validates the notification and canonicalizes defaulted fields.
// It is idempotent: applying it to an already-normalized notification is a
// no-op.
func (n *Notification) Normalize() error {
	if n.Devices == nil {
		return invalidf("expected list in 'devices' key")
	}
	if len(n.Devices) == 0 {
		return invalidf("no devices in notification")
	}
	for i := range n.Devices {
		d := &n.Devices[i]
		if d.AppID == "" {
			return invalidf("device %d has missing or empty app_id", i)
		}
		if d.Pushkey == "" {
			return invalidf("device %d has missing or empty pushkey", i)
		}
	}
	switch n.Prio {
	case "", "high":
		n.Prio = "high"
	case "low":
	default:
		return invalidf("unknown priority %q", n.Prio)
	}
	return nil
}
