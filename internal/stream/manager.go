package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"signal-relay/internal/notify"
	"signal-relay/pkg/db"
)

// SourceProvider resolves the stream source bound to one user's credentials.
type SourceProvider interface {
	ForUser(ctx context.Context, userID string) (Source, error)
}

// Manager keeps one Runner per tradable user, starting streams for newly
// enabled users and stopping streams for users who drop out.
type Manager struct {
	queries       *db.UserQueries
	provider      SourceProvider
	rec           *Reconciler
	notifier      *notify.Bus
	maxReconnects int
	onReconnect   func()
	syncInterval  time.Duration

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager creates a stream manager.
func NewManager(queries *db.UserQueries, provider SourceProvider, rec *Reconciler, notifier *notify.Bus, maxReconnects int, onReconnect func()) *Manager {
	return &Manager{
		queries:       queries,
		provider:      provider,
		rec:           rec,
		notifier:      notifier,
		maxReconnects: maxReconnects,
		onReconnect:   onReconnect,
		syncInterval:  time.Minute,
		runners:       make(map[string]*Runner),
	}
}

// Start syncs runners immediately and then on every interval tick.
func (m *Manager) Start(ctx context.Context) {
	m.sync(ctx)
	go func() {
		ticker := time.NewTicker(m.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.stopAll()
				return
			case <-ticker.C:
				m.sync(ctx)
			}
		}
	}()
}

func (m *Manager) sync(ctx context.Context) {
	users, err := m.queries.ListTradableUsers(ctx)
	if err != nil {
		log.Printf("❌ stream manager: list users failed: %v", err)
		return
	}

	eligible := make(map[string]bool, len(users))
	for _, u := range users {
		eligible[u.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Stop runners for users no longer eligible.
	for id, runner := range m.runners {
		if !eligible[id] {
			log.Printf("stream manager: stopping stream for user %s", id)
			go runner.Stop()
			delete(m.runners, id)
		}
	}

	// Start runners for newly eligible users.
	for id := range eligible {
		if _, ok := m.runners[id]; ok {
			continue
		}
		source, err := m.provider.ForUser(ctx, id)
		if err != nil {
			log.Printf("stream manager: no stream source for user %s: %v", id, err)
			continue
		}
		runner := NewRunner(id, source, m.rec, m.notifier, m.maxReconnects, m.onReconnect)
		runner.Start(ctx)
		m.runners[id] = runner
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.runners = make(map[string]*Runner)
	m.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}

// ActiveStreams reports how many user streams are running.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}
