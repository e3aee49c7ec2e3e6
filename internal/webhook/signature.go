package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex HMAC-SHA256 signature, with or without a "sha256="
// prefix, in constant time. An empty secret never verifies.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// tokenEqual compares bearer tokens in constant time.
func tokenEqual(want, got string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// IdempotencyKey derives the dedup key for an inbound webhook: the
// provider's event id when present, otherwise the body itself.
func IdempotencyKey(source, externalID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	if externalID != "" {
		h.Write([]byte(externalID))
	} else {
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}
