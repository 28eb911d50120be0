package binance

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// weightTracker follows the exchange-reported request-weight usage. Each
// Client owns its own tracker.
type weightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

func newWeightTracker(limit int, resetInterval time.Duration) *weightTracker {
	return &weightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// updateFromHeader records the used weight from the X-MBX-USED-WEIGHT-1M
// response header.
func (w *weightTracker) updateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		w.usedWeight = 0
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	percentage := float64(w.usedWeight) / float64(w.limit) * 100
	if percentage >= 95 {
		log.Printf("exchange rate limit critical: %d/%d (%.1f%%) - approaching ban threshold", w.usedWeight, w.limit, percentage)
	} else if percentage >= 80 {
		log.Printf("exchange rate limit warning: %d/%d (%.1f%%)", w.usedWeight, w.limit, percentage)
	}
}

// usage returns current usage information.
func (w *weightTracker) usage() (used int, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}
