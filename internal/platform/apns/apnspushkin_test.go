package apns

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

type fakeClient struct {
	resp  *apns2.Response
	err   error
	notes []*apns2.Notification
}

func (f *fakeClient) PushWithContext(_ apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.notes = append(f.notes, n)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestPushkin(client APNSClient) *Pushkin {
	p := &Pushkin{
		appID:             "com.example.iosapp",
		client:            client,
		topic:             "com.example.iosapp",
		convertTokenToHex: true,
		rejectReasons:     make(map[string]struct{}),
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, r := range defaultRejectReasons {
		p.rejectReasons[r] = struct{}{}
	}
	return p
}

func messageNotification() *notification.Notification {
	unread := 2
	return &notification.Notification{
		EventID:           "$ev1",
		RoomID:            "!room:example.org",
		Type:              "m.room.message",
		Sender:            "@alice:example.org",
		SenderDisplayName: "Alice",
		Prio:              "high",
		Content:           map[string]any{"msgtype": "m.text", "body": "hello"},
		Counts:            notification.Counts{Unread: &unread},
	}
}

func TestDispatch_RejectsColonPushkey(t *testing.T) {
	client := &fakeClient{}
	p := newTestPushkin(client)

	out := p.Dispatch(context.Background(), messageNotification(),
		&notification.Device{AppID: p.appID, Pushkey: "looks:like:fcm"})

	assert.Equal(t, pushkin.KindRejected, out.Kind)
	assert.Empty(t, client.notes, "no network call for a malformed pushkey")
}

func TestDispatch_HexTokenAndTopicOnWire(t *testing.T) {
	pushkey := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\x01", 32)))
	wantPath := "/3/device/" + strings.Repeat("01", 32)

	var gotPath, gotTopic string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTopic = r.Header.Get("apns-topic")
		w.Header().Set("apns-id", "922D9F1F-B82E-B337-EDC9-DB4FC8527676")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPushkin(nil)
	p.client = &apns2.Client{HTTPClient: srv.Client(), Host: srv.URL}

	out := p.Dispatch(context.Background(), messageNotification(),
		&notification.Device{AppID: p.appID, Pushkey: pushkey})

	assert.Equal(t, pushkin.KindDelivered, out.Kind)
	assert.Equal(t, wantPath, gotPath)
	assert.Equal(t, "com.example.iosapp", gotTopic)
}

func TestDispatch_UnregisteredRejected(t *testing.T) {
	client := &fakeClient{resp: &apns2.Response{StatusCode: 410, Reason: apns2.ReasonUnregistered}}
	p := newTestPushkin(client)

	out := p.Dispatch(context.Background(), messageNotification(),
		&notification.Device{AppID: p.appID, Pushkey: "dGVzdC1wdXNoa2V5"})

	assert.Equal(t, pushkin.KindRejected, out.Kind)
}

func TestDispatch_BadDeviceTokenRejected(t *testing.T) {
	client := &fakeClient{resp: &apns2.Response{StatusCode: 400, Reason: apns2.ReasonBadDeviceToken}}
	p := newTestPushkin(client)

	out := p.Dispatch(context.Background(), messageNotification(),
		&notification.Device{AppID: p.appID, Pushkey: "dGVzdC1wdXNoa2V5"})

	assert.Equal(t, pushkin.KindRejected, out.Kind)
	assert.Equal(t, apns2.ReasonBadDeviceToken, out.Reason)
}

func TestDispatch_UpstreamOverloadIsRetryable(t *testing.T) {
	for _, status := range []int{429, 500, 503} {
		client := &fakeClient{resp: &apns2.Response{StatusCode: status, Reason: apns2.ReasonTooManyRequests}}
		p := newTestPushkin(client)

		out := p.Dispatch(context.Background(), messageNotification(),
			&notification.Device{AppID: p.appID, Pushkey: "dGVzdC1wdXNoa2V5"})

		assert.Equal(t, pushkin.KindRetryable, out.Kind, "status %d", status)
		assert.Len(t, client.notes, 1, "upstream 5xx is never retried locally")
	}
}

func TestDispatch_TransportErrorRetriesThreeTimes(t *testing.T) {
	client := &fakeClient{err: errors.New("connection reset by peer")}
	p := newTestPushkin(client)

	out := p.Dispatch(context.Background(), messageNotification(),
		&notification.Device{AppID: p.appID, Pushkey: "dGVzdC1wdXNoa2V5"})

	assert.Equal(t, pushkin.KindRetryable, out.Kind)
	assert.Len(t, client.notes, 3)
}

func TestDispatch_ProviderTokenTripsBreaker(t *testing.T) {
	client := &fakeClient{resp: &apns2.Response{StatusCode: 403, Reason: apns2.ReasonInvalidProviderToken}}
	p := newTestPushkin(client)
	device := &notification.Device{AppID: p.appID, Pushkey: "dGVzdC1wdXNoa2V5"}

	out := p.Dispatch(context.Background(), messageNotification(), device)
	assert.Equal(t, pushkin.KindRetryable, out.Kind)
	require.Len(t, client.notes, 1)

	// While degraded, dispatches short-circuit without touching APNs.
	out = p.Dispatch(context.Background(), messageNotification(), device)
	assert.Equal(t, pushkin.KindRetryable, out.Kind)
	assert.Len(t, client.notes, 1)
}

func TestDispatch_LowPrioNotification(t *testing.T) {
	client := &fakeClient{resp: &apns2.Response{StatusCode: 200}}
	p := newTestPushkin(client)

	n := messageNotification()
	n.Prio = "low"
	out := p.Dispatch(context.Background(), n,
		&notification.Device{AppID: p.appID, Pushkey: "dGVzdC1wdXNoa2V5"})

	assert.Equal(t, pushkin.KindDelivered, out.Kind)
	require.Len(t, client.notes, 1)
	assert.Equal(t, apns2.PriorityLow, client.notes[0].Priority)
}

func TestBuildPayload_Alert(t *testing.T) {
	p := newTestPushkin(nil)
	device := &notification.Device{AppID: p.appID, Pushkey: "k", Tweaks: notification.Tweaks{Sound: "default"}}

	payload, shape, empty := p.buildPayload(messageNotification(), device)
	require.False(t, empty)
	require.NotNil(t, shape)

	aps := payload["aps"].(map[string]any)
	alert := aps["alert"].(map[string]any)
	assert.Equal(t, "MSG_FROM_USER_WITH_CONTENT", alert["loc-key"])
	assert.Equal(t, []string{"Alice", "hello"}, alert["loc-args"])
	assert.Equal(t, 1, aps["content-available"])
	assert.Equal(t, "default", aps["sound"])
	assert.Equal(t, 2, aps["badge"])
	assert.Equal(t, "$ev1", payload["event_id"])
	assert.Equal(t, "!room:example.org", payload["room_id"])
}

func TestBuildPayload_BadgeOnlyPoke(t *testing.T) {
	p := newTestPushkin(nil)
	unread := 5
	n := &notification.Notification{Counts: notification.Counts{Unread: &unread}}

	payload, shape, empty := p.buildPayload(n, &notification.Device{AppID: p.appID, Pushkey: "k"})
	require.False(t, empty)
	assert.Nil(t, shape)

	aps := payload["aps"].(map[string]any)
	assert.Equal(t, 5, aps["badge"])
	assert.NotContains(t, aps, "alert")
}

func TestBuildPayload_NothingToSend(t *testing.T) {
	p := newTestPushkin(nil)

	_, _, empty := p.buildPayload(&notification.Notification{}, &notification.Device{AppID: p.appID, Pushkey: "k"})
	assert.True(t, empty)
}

func TestBuildPayload_EventIDOnly(t *testing.T) {
	p := newTestPushkin(nil)
	device := &notification.Device{
		AppID:   p.appID,
		Pushkey: "k",
		Data: map[string]any{
			"format":          notification.FormatEventIDOnly,
			"default_payload": map[string]any{"secret": "dropped"},
		},
	}

	payload, shape, empty := p.buildPayload(messageNotification(), device)
	require.False(t, empty)
	assert.Nil(t, shape)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	assert.Equal(t, "$ev1", payload["event_id"])
	assert.Equal(t, "!room:example.org", payload["room_id"])
	aps := payload["aps"].(map[string]any)
	assert.Equal(t, 1, aps["content-available"])
	assert.Equal(t, 2, aps["badge"])
}

func TestShapeAlert_Table(t *testing.T) {
	base := func() *notification.Notification {
		return &notification.Notification{
			Type:              "m.room.message",
			SenderDisplayName: "Alice",
			Content:           map[string]any{"msgtype": "m.text", "body": "hi"},
		}
	}

	t.Run("message in named room", func(t *testing.T) {
		n := base()
		n.RoomName = "Ops"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "MSG_FROM_USER_IN_ROOM_WITH_CONTENT", shape.LocKey)
		assert.Equal(t, []string{"Alice", "Ops", "hi"}, shape.LocArgs)
	})

	t.Run("emote", func(t *testing.T) {
		n := base()
		n.Content["msgtype"] = "m.emote"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "ACTION_FROM_USER", shape.LocKey)
	})

	t.Run("image in named room", func(t *testing.T) {
		n := base()
		n.RoomName = "Ops"
		n.Content["msgtype"] = "m.image"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "IMAGE_FROM_USER_IN_ROOM", shape.LocKey)
	})

	t.Run("encrypted without body", func(t *testing.T) {
		n := base()
		n.Type = "m.room.encrypted"
		n.Content = map[string]any{"algorithm": "m.megolm.v1.aes-sha2"}
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "MSG_FROM_USER", shape.LocKey)
	})

	t.Run("call invite", func(t *testing.T) {
		n := base()
		n.Type = "m.call.invite"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "VOICE_CALL_FROM_USER", shape.LocKey)
	})

	t.Run("invite to named room", func(t *testing.T) {
		n := base()
		n.Type = "m.room.member"
		n.UserIsTarget = true
		n.Membership = "invite"
		n.RoomName = "Ops"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "USER_INVITE_TO_NAMED_ROOM", shape.LocKey)
		assert.Equal(t, []string{"Alice", "Ops"}, shape.LocArgs)
	})

	t.Run("invite to chat", func(t *testing.T) {
		n := base()
		n.Type = "m.room.member"
		n.UserIsTarget = true
		n.Membership = "invite"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "USER_INVITE_TO_CHAT", shape.LocKey)
	})

	t.Run("membership change for someone else", func(t *testing.T) {
		n := base()
		n.Type = "m.room.member"
		n.Membership = "join"
		assert.Nil(t, shapeAlert(n))
	})

	t.Run("unknown event type with sender", func(t *testing.T) {
		n := base()
		n.Type = "org.example.custom"
		shape := shapeAlert(n)
		require.NotNil(t, shape)
		assert.Equal(t, "MSG_FROM_USER", shape.LocKey)
	})
}

func TestTokenToHex(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", tokenToHex(base64.StdEncoding.EncodeToString(raw)))
	assert.Equal(t, "deadbeef", tokenToHex(base64.RawURLEncoding.EncodeToString(raw)))
	assert.Equal(t, "not base64!!", tokenToHex("not base64!!"))
}
