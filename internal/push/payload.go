package push

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Notification is what the app layer displays for one push payload.
type Notification struct {
	Title string          `json:"title"`
	Body  string          `json:"body,omitempty"`
	Tag   string          `json:"tag,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode extracts a Notification from a raw push payload.
//
// The payload shape is server-controlled and evolves, so fields are pulled
// by path with fallbacks rather than unmarshaled into a fixed struct: a
// flat {title, body, tag, data} payload and an enveloped
// {notification: {title, body, tag}, data} payload both decode. A payload
// with neither title nor body is malformed.
func Decode(payload []byte) (Notification, error) {
	if !gjson.ValidBytes(payload) {
		return Notification{}, fmt.Errorf("decode push payload: not valid JSON")
	}

	n := Notification{
		Title: firstString(payload, "title", "notification.title"),
		Body:  firstString(payload, "body", "notification.body", "message"),
		Tag:   firstString(payload, "tag", "notification.tag"),
	}
	if data := gjson.GetBytes(payload, "data"); data.Exists() {
		n.Data = json.RawMessage(data.Raw)
	}

	if n.Title == "" && n.Body == "" {
		return Notification{}, fmt.Errorf("decode push payload: no title or body")
	}
	return n, nil
}

// firstString returns the first path that resolves to a string value.
func firstString(payload []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(payload, p); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}
