package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign computes the HMAC-SHA256 signature over the canonical query string.
func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
