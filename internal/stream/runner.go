package stream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"signal-relay/internal/notify"
	"signal-relay/pkg/exchanges/binance"
)

const (
	pingInterval      = 20 * time.Second
	pongTimeout       = 60 * time.Second
	keepAliveInterval = 30 * time.Minute
	maxBackoff        = 60 * time.Second
)

// Source is the listen-key side of the exchange client.
type Source interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
	StreamURL(listenKey string) string
}

// Runner maintains one user's data stream: listen-key keepalive, ping/pong
// liveness, and bounded exponential reconnect. Decoded events are handed to
// the reconciler.
type Runner struct {
	userID        string
	source        Source
	rec           *Reconciler
	notifier      *notify.Bus
	maxReconnects int
	onReconnect   func() // metrics hook, may be nil

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a stream runner for one user.
func NewRunner(userID string, source Source, rec *Reconciler, notifier *notify.Bus, maxReconnects int, onReconnect func()) *Runner {
	if maxReconnects <= 0 {
		maxReconnects = 20
	}
	return &Runner{
		userID:        userID,
		source:        source,
		rec:           rec,
		notifier:      notifier,
		maxReconnects: maxReconnects,
		onReconnect:   onReconnect,
		done:          make(chan struct{}),
	}
}

// Start launches the stream loop.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop tears the stream down and waits for the loop to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	attempts := 0
	for {
		connected, err := r.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// A session that got as far as reading resets the backoff.
			if attempts > 0 {
				r.notifier.User(r.userID, notify.SeverityInfo, "Stream recovered",
					"user data stream reconnected", "stream")
			}
			attempts = 0
		}

		attempts++
		if attempts > r.maxReconnects {
			log.Printf("❌ stream: user %s reconnect attempts exhausted (%d)", r.userID, r.maxReconnects)
			r.notifier.User(r.userID, notify.SeverityCritical, "Stream disconnected",
				fmt.Sprintf("user data stream lost after %d reconnect attempts; fills will reconcile at daily cleanup", r.maxReconnects),
				"stream", "STREAM_DISCONNECTED")
			return
		}

		delay := backoff(attempts)
		log.Printf("🔄 stream: user %s reconnecting in %v (attempt %d/%d): %v",
			r.userID, delay, attempts, r.maxReconnects, err)
		if r.onReconnect != nil {
			r.onReconnect()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndRead runs one websocket session. It returns connected=true when
// the session got past the dial, regardless of how it ended.
func (r *Runner) connectAndRead(ctx context.Context) (connected bool, err error) {
	listenKey, err := r.source.CreateListenKey(ctx)
	if err != nil {
		return false, fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.source.CloseListenKey(closeCtx)
		cancel()
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.source.StreamURL(listenKey), nil)
	if err != nil {
		return false, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Ping and listen-key keepalive tickers.
	go func() {
		ping := time.NewTicker(pingInterval)
		keepAlive := time.NewTicker(keepAliveInterval)
		defer ping.Stop()
		defer keepAlive.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					log.Printf("stream: user %s ping failed: %v", r.userID, err)
					_ = conn.Close()
					return
				}
			case <-keepAlive.C:
				if err := r.source.KeepAliveListenKey(sessionCtx); err != nil {
					log.Printf("stream: user %s listen key keepalive failed: %v", r.userID, err)
				}
			}
		}
	}()

	log.Printf("✅ stream: user %s connected", r.userID)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		update, err := binance.ParseStreamEvent(msg)
		if err != nil {
			log.Printf("stream: user %s parse error: %v", r.userID, err)
			continue
		}
		if update == nil {
			continue
		}
		if update.ExecutionType != "TRADE" && !isTerminal(update.Status) {
			continue
		}
		r.rec.Enqueue(r.userID, update)
	}
}

func isTerminal(status string) bool {
	switch status {
	case string(binance.StatusCanceled), string(binance.StatusExpired), string(binance.StatusRejected):
		return true
	}
	return false
}

// backoff doubles from 1s and caps at 60s: 1, 2, 4, 8, 16, 32, 60, 60, ...
func backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
