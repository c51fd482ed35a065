// Package webhook verifies signed chat-ops webhook deliveries.
//
// The scheme is Slack's v0 signing: the signature header carries
// "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)) and the
// timestamp header carries Unix seconds. A delivery is accepted only when the
// timestamp is within MaxSkew of the verifier's clock and the signature
// matches in constant time.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxSkew is the replay window around the verifier's clock.
	MaxSkew = 5 * time.Minute

	signatureVersion = "v0"
)

// Sign returns the signature header value for body at timestamp.
func Sign(body []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature authenticates body at timestamp
// under secret, using the default replay window.
func VerifySignature(body []byte, timestamp, signature, secret string, now time.Time) bool {
	return verifyWithSkew(body, timestamp, signature, secret, now, MaxSkew)
}

func verifyWithSkew(body []byte, timestamp, signature, secret string, now time.Time, maxSkew time.Duration) bool {
	if secret == "" || signature == "" || !strings.HasPrefix(signature, signatureVersion+"=") {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(maxSkew/time.Second) {
		return false
	}
	expected := Sign(body, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
