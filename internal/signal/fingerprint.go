package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint returns the signal-layer dedup key:
// SHA-256(symbol | side | entryPrice | stopLoss), hex-encoded. One widely
// redistributed signal therefore hashes identically regardless of which
// channel relayed it.
func (t *TradeIntent) Fingerprint() string {
	return hashFields(t.Symbol, t.sideToken(), fmtPrice(t.EntryPrice), fmtPrice(t.StopLoss))
}

// UserFingerprint returns the per-user dedup key, which additionally binds
// the user so one user's retry cannot shadow another's first delivery.
func (t *TradeIntent) UserFingerprint(userID string) string {
	return hashFields(userID, t.Symbol, t.sideToken(), fmtPrice(t.EntryPrice), fmtPrice(t.StopLoss))
}

// CancelFingerprint keys CANCEL intents per symbol over a short window.
func (t *TradeIntent) CancelFingerprint() string {
	return "CANCEL|" + t.Symbol
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

func fmtPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
