// Package broadcast fans one signal out to every auto-trade-enabled user
// through a bounded worker pool.
package broadcast

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"signal-relay/internal/dedup"
	"signal-relay/internal/monitor"
	"signal-relay/internal/orchestrator"
	"signal-relay/internal/signal"
	"signal-relay/pkg/db"
)

// Executor runs one intent for one user. Satisfied by the orchestrator.
type Executor interface {
	ExecuteForUser(ctx context.Context, userID string, intent *signal.TradeIntent) orchestrator.Outcome
}

// Result aggregates one broadcast.
type Result struct {
	Accepted bool                   `json:"accepted"`
	Skipped  string                 `json:"skipped,omitempty"`
	PerUser  []orchestrator.Outcome `json:"per_user,omitempty"`
}

// Dispatcher gates signals and fans them out.
type Dispatcher struct {
	queries     *db.UserQueries
	dedup       *dedup.Registry
	exec        Executor
	workers     int
	taskTimeout time.Duration
	metrics     *monitor.Metrics
}

// NewDispatcher creates a dispatcher with the given pool width and per-task
// budget. metrics may be nil.
func NewDispatcher(queries *db.UserQueries, registry *dedup.Registry, exec Executor, workers int, taskTimeout time.Duration, metrics *monitor.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 10
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	return &Dispatcher{
		queries:     queries,
		dedup:       registry,
		exec:        exec,
		workers:     workers,
		taskTimeout: taskTimeout,
		metrics:     metrics,
	}
}

// Broadcast dispatches one intent to all eligible users and blocks until
// every per-user task settles. Per-user failures never propagate to siblings.
func (d *Dispatcher) Broadcast(ctx context.Context, intent *signal.TradeIntent) (Result, error) {
	dup, err := d.dedup.CheckSignal(ctx, intent.Fingerprint())
	if err != nil {
		return Result{}, fmt.Errorf("signal dedup check: %w", err)
	}
	if dup {
		log.Printf("⚠️ broadcast: duplicate signal dropped: %s %s %s", intent.Action, intent.Symbol, intent.Side)
		return Result{Accepted: false, Skipped: "SIGNAL_DEDUP"}, nil
	}

	users, err := d.queries.ListTradableUsers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate users: %w", err)
	}
	if len(users) == 0 {
		return Result{Accepted: true}, nil
	}

	if d.metrics != nil {
		d.metrics.Broadcasts.Inc()
		d.metrics.BroadcastUsers.Observe(float64(len(users)))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make([]orchestrator.Outcome, 0, len(users))
		sem      = make(chan struct{}, d.workers)
	)

	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := d.runOne(userID, intent)

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}(user.ID)
	}
	wg.Wait()

	return Result{Accepted: true, PerUser: outcomes}, nil
}

// runOne executes one user's task with its own deadline. The task context is
// deliberately detached from the caller's: an aborted ingestion request must
// not orphan half-placed exchange orders.
func (d *Dispatcher) runOne(userID string, intent *signal.TradeIntent) (outcome orchestrator.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ broadcast: panic in task for user %s: %v", userID, r)
			outcome = orchestrator.Outcome{
				UserID: userID,
				Status: orchestrator.StatusFailed,
				Detail: fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	taskCtx, cancel := context.WithTimeout(context.Background(), d.taskTimeout)
	defer cancel()

	return d.exec.ExecuteForUser(taskCtx, userID, intent)
}
