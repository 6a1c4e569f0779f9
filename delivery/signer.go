package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Sign computes base64(HMAC-SHA256(secret, body)) (spec.md §4.5,
// normative — no signing library needed for this algorithm choice).
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct signature for body under
// secret, using a constant-time comparison.
func Verify(secret, body []byte, sig string) bool {
	expected, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}
