package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SigningTimestamp formats t the way it appears in the signed string and
// the timestamp header.
func SigningTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Sign returns the hex HMAC-SHA256 of "{timestamp}\n{target}\n{contractType}\n{body}".
func Sign(secret, timestamp, target, contractType string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(target))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(contractType))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
