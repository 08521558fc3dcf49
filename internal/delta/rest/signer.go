package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signPayload builds the request signature: hex HMAC-SHA256 over
// method + timestamp + path + query + body, keyed by the API secret. The
// query component includes its leading "?" when present.
func signPayload(secret, method, timestamp, path, query, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + timestamp + path + query + body))
	return hex.EncodeToString(mac.Sum(nil))
}
