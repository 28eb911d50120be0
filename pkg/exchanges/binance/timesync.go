package binance

import (
	"sync"
	"time"
)

// timeSync keeps a millisecond offset to the exchange clock so signed request
// timestamps stay within the recvWindow even on drifting hosts.
type timeSync struct {
	getServerTime func() (int64, error)
	offset        int64 // milliseconds (server - local)
	lastSync      time.Time
	mu            sync.RWMutex
}

func newTimeSync(getServerTime func() (int64, error)) *timeSync {
	return &timeSync{getServerTime: getServerTime}
}

// sync fetches server time once and updates the offset, assuming symmetric
// network latency.
func (ts *timeSync) sync() error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime()
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	localMid := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localMid
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// now returns the current time in exchange milliseconds. It resyncs lazily
// every 30 minutes.
func (ts *timeSync) now() int64 {
	ts.mu.RLock()
	stale := time.Since(ts.lastSync) > 30*time.Minute
	offset := ts.offset
	ts.mu.RUnlock()

	if stale {
		if err := ts.sync(); err == nil {
			ts.mu.RLock()
			offset = ts.offset
			ts.mu.RUnlock()
		}
	}
	return time.Now().UnixMilli() + offset
}
