// Package gateway manages per-user exchange clients. One shared relay process
// serves many users; each user's credentials are decrypted on demand and
// bound to a cached client, never to process-wide state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/binance"
)

var (
	ErrNoCredentials = errors.New("user has no exchange credentials")
	ErrPoolFull      = errors.New("gateway pool is full")
)

// Factory builds a client from decrypted credentials.
type Factory func(apiKey, apiSecret string) *binance.Client

// Config tunes the pool.
type Config struct {
	MaxSize     int           // maximum cached clients (LRU eviction)
	IdleTimeout time.Duration // drop clients unused for this long
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:     200,
		IdleTimeout: 30 * time.Minute,
	}
}

type cachedClient struct {
	client   *binance.Client
	userID   string
	lastUsed time.Time
}

// Pool caches one client per user with LRU eviction and idle cleanup.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]*cachedClient
	lruOrder []string // oldest first

	config  Config
	vault   *crypto.Vault
	queries *db.UserQueries
	factory Factory

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPool creates a gateway pool.
func NewPool(queries *db.UserQueries, vault *crypto.Vault, factory Factory, cfg Config) *Pool {
	return &Pool{
		clients: make(map[string]*cachedClient),
		config:  cfg,
		vault:   vault,
		queries: queries,
		factory: factory,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the idle-cleanup goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down the pool.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[string]*cachedClient)
	p.lruOrder = nil
}

// ForUser returns the user's client, creating it from stored credentials on
// first use.
func (p *Pool) ForUser(ctx context.Context, userID string) (*binance.Client, error) {
	p.mu.Lock()
	if cached, ok := p.clients[userID]; ok {
		cached.lastUsed = time.Now()
		p.touchLocked(userID)
		p.mu.Unlock()
		return cached.client, nil
	}
	p.mu.Unlock()

	return p.create(ctx, userID)
}

// Invalidate drops a user's cached client, e.g. after a credential change.
func (p *Pool) Invalidate(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[userID]; ok {
		delete(p.clients, userID)
		p.removeLocked(userID)
	}
}

// Stats reports pool occupancy.
func (p *Pool) Stats() (size, maxSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients), p.config.MaxSize
}

func (p *Pool) create(ctx context.Context, userID string) (*binance.Client, error) {
	creds, err := p.queries.GetCredentials(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	apiKey, err := p.vault.Decrypt(creds.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := p.vault.Decrypt(creds.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after the credential round trip.
	if cached, ok := p.clients[userID]; ok {
		cached.lastUsed = time.Now()
		p.touchLocked(userID)
		return cached.client, nil
	}

	if len(p.clients) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	client := p.factory(apiKey, apiSecret)
	p.clients[userID] = &cachedClient{client: client, userID: userID, lastUsed: time.Now()}
	p.lruOrder = append(p.lruOrder, userID)
	return client, nil
}

func (p *Pool) touchLocked(userID string) {
	for i, id := range p.lruOrder {
		if id == userID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, userID)
			break
		}
	}
}

func (p *Pool) removeLocked(userID string) {
	for i, id := range p.lruOrder {
		if id == userID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	delete(p.clients, oldest)
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, cached := range p.clients {
		if now.Sub(cached.lastUsed) > p.config.IdleTimeout {
			delete(p.clients, id)
			p.removeLocked(id)
		}
	}
}
