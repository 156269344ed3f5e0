// Package redact scrubs credential material from request and response
// payloads before they are hashed or logged. All functions return new
// values; inputs are never mutated.
package redact

import "strings"

// Redacted replaces the value of any denylisted key.
const Redacted = "[REDACTED]"

// defaultDenylist covers the common credential field names. Lookup is
// case-insensitive.
var defaultDenylist = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"api-key":       {},
	"token":         {},
	"password":      {},
	"secret":        {},
	"credential":    {},
	"credentials":   {},
	"access_token":  {},
	"refresh_token": {},
	"client_secret": {},
	"private_key":   {},
	"x-api-key":     {},
	"x_api_key":     {},
	"bearer":        {},
	"session_token": {},
	"signing_key":   {},
}

func isSensitive(key string, extra map[string]struct{}) bool {
	k := strings.ToLower(key)
	if _, ok := defaultDenylist[k]; ok {
		return true
	}
	_, ok := extra[k]
	return ok
}

// Denylist builds an extra-key set for Body from literal key names.
func Denylist(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

// Headers returns a copy of headers with sensitive values replaced.
func Headers(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitive(k, nil) {
			out[k] = Redacted
		} else {
			out[k] = v
		}
	}
	return out
}

// Body recursively redacts sensitive keys in a decoded JSON value. Maps and
// slices are walked; scalars pass through unchanged. extra widens the
// denylist for this call only.
func Body(body any, extra map[string]struct{}) any {
	switch v := body.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if isSensitive(k, extra) {
				out[k] = Redacted
			} else {
				out[k] = Body(val, extra)
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Body(item, extra)
		}
		return out
	default:
		return v
	}
}
