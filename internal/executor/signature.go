package executor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureHeader is the HTTP header carrying the HMAC-SHA256 body signature
// in both directions across the executor boundary.
const SignatureHeader = "X-Shiki-Signature"

// ErrBadSignature is returned when a signature does not match the body.
var ErrBadSignature = errors.New("executor: signature mismatch")

// Sign computes the hex-encoded HMAC-SHA256 of body under the shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex-encoded HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
