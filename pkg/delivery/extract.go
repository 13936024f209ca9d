package delivery

import (
	"strings"

	"github.com/tidwall/gjson"
)

// providerIDPaths lists where a provider message id may live, in priority
// order. The direct send acknowledgment and the relayed webhook event use
// different shapes.
var providerIDPaths = []string{
	"messageId",
	"id",
	"key.id",
	"data.key.id",
	"message.key.id",
	"messages.0.key.id",
	"result.key.id",
}

// ExtractProviderMessageID returns the first non-empty string found at one of
// the known id paths, or "" when body is not a JSON object or has none.
func ExtractProviderMessageID(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ""
	}

	for _, path := range providerIDPaths {
		v := root.Get(path)
		if v.Type != gjson.String {
			continue
		}
		if id := strings.TrimSpace(v.Str); id != "" {
			return id
		}
	}
	return ""
}
