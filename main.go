package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signal-relay/internal/api"
	"signal-relay/internal/broadcast"
	"signal-relay/internal/dedup"
	"signal-relay/internal/gateway"
	"signal-relay/internal/ledger"
	"signal-relay/internal/monitor"
	"signal-relay/internal/notify"
	"signal-relay/internal/orchestrator"
	"signal-relay/internal/risk"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/stream"
	"signal-relay/internal/symlock"
	"signal-relay/pkg/config"
	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("signal relay starting on port %s (multi_user=%v testnet=%v)",
		cfg.Port, cfg.MultiUser, cfg.BinanceTestnet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence.
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := db.NewUserQueries(database.DB)
	store := ledger.NewStore(database.DB)

	// Credentials at rest.
	var vault *crypto.Vault
	if os.Getenv("MASTER_ENCRYPTION_KEY") != "" {
		vault, err = crypto.NewVault()
		if err != nil {
			log.Fatalf("vault init failed: %v", err)
		}
		log.Printf("🔐 credential vault initialized (key version %d)", vault.CurrentVersion())
	} else if cfg.MultiUser {
		log.Fatal("multi-user mode requires MASTER_ENCRYPTION_KEY")
	}

	// Risk configuration: YAML globals + per-user DB overrides.
	riskCfg, err := risk.NewConfigSource(cfg.RiskConfigPath, queries, cfg.MultiUser)
	if err != nil {
		log.Fatalf("risk config load failed: %v", err)
	}
	if err := riskCfg.Watch(ctx); err != nil {
		log.Printf("risk config watch disabled: %v", err)
	}

	// Metrics and notifications.
	metrics := monitor.New(nil)
	bus := notify.NewBus(256)
	bus.AddSink(notify.LogSink{})
	bus.AddSink(notify.NewWebhookSink(webhookResolver{queries: queries}))
	bus.Start(ctx)
	defer bus.Stop()

	// Exchange gateways: per-user pool in multi-user mode, one env-configured
	// client otherwise.
	factory := func(apiKey, apiSecret string) *binance.Client {
		return binance.NewClient(binance.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   cfg.BinanceTestnet,
			BaseURL:   cfg.BinanceBaseURL,
			WSHost:    cfg.BinanceWSHost,
		})
	}

	var clients clientProvider
	if cfg.MultiUser {
		pool := gateway.NewPool(queries, vault, factory, gateway.DefaultConfig())
		pool.Start(ctx)
		defer pool.Stop()
		clients = pool
		log.Println("🌐 gateway pool started (multi-user mode)")
	} else {
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			log.Fatal("single-user mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
		clients = staticClient{client: factory(cfg.BinanceAPIKey, cfg.BinanceAPISecret)}
		log.Println("single-user gateway configured from environment")
	}

	// Execution core.
	locks := symlock.NewRegistry()
	registry := dedup.NewRegistry(store, riskCfg.DedupEnabled)
	evaluator := risk.NewEvaluator(store, registry)
	orch := orchestrator.New(store, locks, registry, evaluator, riskCfg,
		orchProvider{clients}, bus, metrics)
	dispatcher := broadcast.NewDispatcher(queries, registry, orch,
		cfg.BroadcastWorkers, cfg.TaskTimeout, metrics)

	// Stream reconciliation.
	reconciler := stream.NewReconciler(store, locks, bus, metrics, cfg.StreamWorkers)
	reconciler.Start(ctx)
	streams := stream.NewManager(queries, streamProvider{clients}, reconciler, bus,
		cfg.WSMaxReconnects, func() { metrics.Reconnects.Inc() })
	streams.Start(ctx)
	log.Println("✓ user data stream manager started")

	// Clock-driven jobs.
	sched := scheduler.New(store, queries, riskCfg, locks, schedProvider{clients}, bus)
	sched.Start(ctx)

	// HTTP API.
	server := api.NewServer(api.Config{
		Dispatcher:      dispatcher,
		Orchestrator:    orch,
		Store:           store,
		Queries:         queries,
		Vault:           vault,
		RiskConfig:      riskCfg,
		Metrics:         metrics,
		CredentialCache: invalidator{clients},
		JWTSecret:       cfg.JWTSecret,
		MonitorAPIKeys:  cfg.MonitorAPIKeys,
		RequestTimeout:  cfg.RequestTimeout,
		TaskTimeout:     cfg.TaskTimeout,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()
	log.Printf("✓ api server listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}

// clientProvider is what both gateway modes expose: a client per user.
type clientProvider interface {
	ForUser(ctx context.Context, userID string) (*binance.Client, error)
}

// staticClient serves one env-configured client for every user id.
type staticClient struct {
	client *binance.Client
}

func (s staticClient) ForUser(context.Context, string) (*binance.Client, error) {
	return s.client, nil
}

func (s staticClient) Invalidate(string) {}

// Adapters from the shared client provider onto each package's consumer
// interface. Go return types are invariant, so each needs its own wrapper.

type orchProvider struct{ clients clientProvider }

func (p orchProvider) ForUser(ctx context.Context, userID string) (orchestrator.Gateway, error) {
	return p.clients.ForUser(ctx, userID)
}

type schedProvider struct{ clients clientProvider }

func (p schedProvider) ForUser(ctx context.Context, userID string) (scheduler.Gateway, error) {
	return p.clients.ForUser(ctx, userID)
}

type streamProvider struct{ clients clientProvider }

func (p streamProvider) ForUser(ctx context.Context, userID string) (stream.Source, error) {
	return p.clients.ForUser(ctx, userID)
}

// invalidator drops cached clients after a credential change.
type invalidator struct{ clients clientProvider }

func (i invalidator) Invalidate(userID string) {
	if p, ok := i.clients.(interface{ Invalidate(string) }); ok {
		p.Invalidate(userID)
	}
}

// webhookResolver maps users to their configured webhook URL.
type webhookResolver struct{ queries *db.UserQueries }

func (r webhookResolver) WebhookURL(ctx context.Context, userID string) (string, error) {
	user, err := r.queries.GetUserByID(ctx, userID)
	if err != nil {
		if err == db.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return user.WebhookURL, nil
}
