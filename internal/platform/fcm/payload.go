package fcm

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// buildV1Message builds the "message" object for the HTTP v1 API. targetKey
// is "token" for device sends and "topic" for broadcasts.
//
// A message without title and body carries no notification block at all
// (silent data-only ping). The android block is always present: high
// priority, default sound, and the configured channel id.
func buildV1Message(targetKey, target string, msg push.Message, channelID string) map[string]any {
	m := map[string]any{
		targetKey: target,
	}

	if !msg.Silent() {
		n := map[string]any{}
		if msg.Title != "" {
			n["title"] = msg.Title
		}
		if msg.Body != "" {
			n["body"] = msg.Body
		}
		if msg.ImageURL != "" {
			n["image"] = msg.ImageURL
		}
		m["notification"] = n
	}

	m["android"] = map[string]any{
		"priority": "high",
		"notification": map[string]any{
			"sound":      "default",
			"channel_id": channelID,
		},
	}

	if len(msg.Data) > 0 {
		m["data"] = stringifyData(msg.Data)
	}

	return m
}

// buildLegacyPayload builds the request body for the legacy key-based API.
// Data values are passed through untouched; only the v1 API requires
// string-typed data.
func buildLegacyPayload(to string, msg push.Message) map[string]any {
	p := map[string]any{
		"to":       to,
		"priority": "high",
	}

	if !msg.Silent() {
		n := map[string]any{
			"sound": "default",
			"badge": 1,
		}
		if msg.Title != "" {
			n["title"] = msg.Title
		}
		if msg.Body != "" {
			n["body"] = msg.Body
		}
		if msg.ImageURL != "" {
			n["image"] = msg.ImageURL
		}
		p["notification"] = n
	}

	if len(msg.Data) > 0 {
		p["data"] = msg.Data
	}

	return p
}

// stringifyData coerces every data value to a string, losslessly. The v1 API
// rejects non-string data values.
func stringifyData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		// Structured values survive as their JSON encoding.
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}
