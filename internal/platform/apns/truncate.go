package apns

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// alertShape records where the trimmable alert arguments sit in loc-args.
// Indexes are -1 when the argument is absent. dropKey and dropArgs describe
// the alert to fall back to once the message body is removed entirely.
type alertShape struct {
	LocKey  string
	LocArgs []string

	contentIdx int
	roomIdx    int
	senderIdx  int

	dropKey  string
	dropArgs []string
}

// truncatePayload serializes the payload and, if it exceeds maxBytes, trims
// alert arguments in a fixed priority order: message body first, then the
// room name, then the sender name, and finally the body is dropped
// altogether (switching to the bodyless localization key). Returns an error
// if the payload cannot be made to fit.
func truncatePayload(payload map[string]any, shape *alertShape, maxBytes int) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing payload: %w", err)
	}
	if len(body) <= maxBytes {
		return body, nil
	}
	if shape == nil {
		return nil, fmt.Errorf("payload is %d bytes with no trimmable alert", len(body))
	}

	args := make([]string, len(shape.LocArgs))
	copy(args, shape.LocArgs)

	for _, idx := range []int{shape.contentIdx, shape.roomIdx, shape.senderIdx} {
		if idx < 0 {
			continue
		}
		for len(body) > maxBytes && args[idx] != "" {
			args[idx] = chop(args[idx], len(body)-maxBytes)
			setAlert(payload, shape.LocKey, args)
			if body, err = json.Marshal(payload); err != nil {
				return nil, fmt.Errorf("serializing payload: %w", err)
			}
		}
		if len(body) <= maxBytes {
			return body, nil
		}
	}

	if shape.dropKey != "" {
		setAlert(payload, shape.dropKey, shape.dropArgs)
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("serializing payload: %w", err)
		}
		if len(body) <= maxBytes {
			return body, nil
		}
	}
	return nil, fmt.Errorf("payload is %d bytes after truncation, limit is %d", len(body), maxBytes)
}

// chop removes at least overage bytes worth of trailing runes from s.
func chop(s string, overage int) string {
	removed := 0
	for len(s) > 0 && removed < overage {
		r, size := utf8.DecodeLastRuneInString(s)
		_ = r
		s = s[:len(s)-size]
		removed += size
	}
	return s
}

func setAlert(payload map[string]any, locKey string, locArgs []string) {
	aps, _ := payload["aps"].(map[string]any)
	if aps == nil {
		return
	}
	aps["alert"] = map[string]any{
		"loc-key":  locKey,
		"loc-args": locArgs,
	}
}
