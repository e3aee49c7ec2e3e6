package provider

import (
	"encoding/json"
	"strings"
)

var sensitiveKeys = []string{"phone", "email", "token", "secret", "password", "api_key", "apikey", "authorization"}

// redact marshals v with sensitive values masked. Phone-like values keep
// their last four digits so call logs stay useful for support.
func redact(v map[string]any) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(redactMap(v))
	if err != nil {
		return nil
	}
	return b
}

func redactMap(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		switch inner := val.(type) {
		case map[string]any:
			out[k] = redactMap(inner)
			continue
		}
		if sensitive(k) {
			out[k] = mask(k, val)
			continue
		}
		out[k] = val
	}
	return out
}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func mask(key string, v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return "***"
	}
	if strings.Contains(strings.ToLower(key), "phone") && len(s) > 4 {
		return "***" + s[len(s)-4:]
	}
	return "***"
}
