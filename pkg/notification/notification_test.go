package notification_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

func validBody() []byte {
	return []byte(`{
		"notification": {
			"event_id": "$ev1",
			"room_id": "!room:example.org",
			"type": "m.room.message",
			"sender": "@alice:example.org",
			"content": {"msgtype": "m.text", "body": "hello"},
			"counts": {"unread": 2},
			"devices": [
				{"app_id": "com.example.app", "pushkey": "abc123"}
			]
		}
	}`)
}

func TestParse_Valid(t *testing.T) {
	n, err := notification.Parse(validBody())
	require.NoError(t, err)

	assert.Equal(t, "$ev1", n.EventID)
	assert.Equal(t, "high", n.Prio, "prio defaults to high")
	require.Len(t, n.Devices, 1)
	assert.Equal(t, "com.example.app", n.Devices[0].AppID)
	require.NotNil(t, n.Counts.Unread)
	assert.Equal(t, 2, *n.Counts.Unread)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"notification"`},
		{"missing notification key", `{}`},
		{"notification not object", `{"notification": 42}`},
		{"missing devices", `{"notification": {}}`},
		{"empty devices", `{"notification": {"devices": []}}`},
		{"device missing app_id", `{"notification": {"devices": [{"pushkey": "k"}]}}`},
		{"device missing pushkey", `{"notification": {"devices": [{"app_id": "a"}]}}`},
		{"unknown prio", `{"notification": {"prio": "urgent", "devices": [{"app_id": "a", "pushkey": "k"}]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := notification.Parse([]byte(tc.body))
			require.Error(t, err)

			var invalid *notification.InvalidError
			assert.True(t, errors.As(err, &invalid), "expected InvalidError, got %T", err)
		})
	}
}

func TestParse_LowPrioAccepted(t *testing.T) {
	n, err := notification.Parse([]byte(`{"notification": {"prio": "low", "devices": [{"app_id": "a", "pushkey": "k"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "low", n.Prio)
}

func TestNormalize_Idempotent(t *testing.T) {
	n, err := notification.Parse(validBody())
	require.NoError(t, err)

	once := *n
	require.NoError(t, n.Normalize())
	if diff := cmp.Diff(&once, n); diff != "" {
		t.Errorf("second Normalize changed the notification (-first +second):\n%s", diff)
	}
}

func TestFormatFor_DeviceOverrides(t *testing.T) {
	n := &notification.Notification{Format: ""}
	d := &notification.Device{Data: map[string]any{"format": notification.FormatEventIDOnly}}
	assert.Equal(t, notification.FormatEventIDOnly, n.FormatFor(d))

	n.Format = notification.FormatEventIDOnly
	assert.Equal(t, notification.FormatEventIDOnly, n.FormatFor(&notification.Device{}))
}

func TestDisplayHelpers(t *testing.T) {
	n := &notification.Notification{Sender: "@alice:example.org"}
	assert.Equal(t, "@alice:example.org", n.SenderDisplay())
	n.SenderDisplayName = "Alice"
	assert.Equal(t, "Alice", n.SenderDisplay())

	assert.Equal(t, "", n.RoomDisplay())
	n.RoomAlias = "#room:example.org"
	assert.Equal(t, "#room:example.org", n.RoomDisplay())
	n.RoomName = "Mission Control"
	assert.Equal(t, "Mission Control", n.RoomDisplay())
}

func TestDefaultPayload(t *testing.T) {
	d := &notification.Device{}
	payload, ok := d.DefaultPayload()
	assert.True(t, ok)
	assert.Nil(t, payload)

	d.Data = map[string]any{"default_payload": map[string]any{"aps": map[string]any{}}}
	payload, ok = d.DefaultPayload()
	assert.True(t, ok)
	assert.Contains(t, payload, "aps")

	d.Data["default_payload"] = "not an object"
	_, ok = d.DefaultPayload()
	assert.False(t, ok)
}
