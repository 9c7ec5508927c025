package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// SignatureHeader carries the HMAC of the request body
const SignatureHeader = "X-Twitter-Webhooks-Signature"

const signaturePrefix = "sha256="

// Sign returns "sha256=" followed by the base64 HMAC-SHA256 of data
func Sign(secret, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return signaturePrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CRCResponse answers a challenge-response check for token
func CRCResponse(secret []byte, token string) string {
	return Sign(secret, []byte(token))
}

// Verify reports whether header is the signature of body. The "sha256="
// prefix is optional. The comparison is constant time.
func Verify(secret, body []byte, header string) bool {
	got := strings.TrimPrefix(header, signaturePrefix)
	if got == "" {
		return false
	}
	expected := strings.TrimPrefix(Sign(secret, body), signaturePrefix)
	return hmac.Equal([]byte(expected), []byte(got))
}
