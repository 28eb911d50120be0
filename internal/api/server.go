// Package api exposes the relay's HTTP surface: the ingestion endpoints the
// chat parser calls, the per-user read/config API, and operational endpoints.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signal-relay/internal/broadcast"
	"signal-relay/internal/ledger"
	"signal-relay/internal/monitor"
	"signal-relay/internal/orchestrator"
	"signal-relay/internal/risk"
	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
)

// CredentialCache is the part of the gateway pool the API needs: dropping a
// cached client after a credential change.
type CredentialCache interface {
	Invalidate(userID string)
}

// Server wires the HTTP routes.
type Server struct {
	engine      *gin.Engine
	dispatcher  *broadcast.Dispatcher
	orch        *orchestrator.Orchestrator
	store       *ledger.Store
	queries     *db.UserQueries
	vault       *crypto.Vault
	config      *risk.ConfigSource
	metrics     *monitor.Metrics
	credCache   CredentialCache
	jwtSecret   string
	monitorKeys map[string]bool
	taskTimeout time.Duration

	hbMu      sync.RWMutex
	heartbeat heartbeatState
}

type heartbeatState struct {
	Status   string    `json:"status"`
	AIStatus string    `json:"ai_status"`
	LastSeen time.Time `json:"last_seen"`
}

// Config collects the server dependencies.
type Config struct {
	Dispatcher      *broadcast.Dispatcher
	Orchestrator    *orchestrator.Orchestrator
	Store           *ledger.Store
	Queries         *db.UserQueries
	Vault           *crypto.Vault
	RiskConfig      *risk.ConfigSource
	Metrics         *monitor.Metrics
	CredentialCache CredentialCache
	JWTSecret       string
	MonitorAPIKeys  []string
	RequestTimeout  time.Duration
	TaskTimeout     time.Duration
}

// NewServer builds the gin engine and registers all routes.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	keys := make(map[string]bool, len(cfg.MonitorAPIKeys))
	for _, k := range cfg.MonitorAPIKeys {
		keys[k] = true
	}

	s := &Server{
		engine:      gin.New(),
		dispatcher:  cfg.Dispatcher,
		orch:        cfg.Orchestrator,
		store:       cfg.Store,
		queries:     cfg.Queries,
		vault:       cfg.Vault,
		config:      cfg.RiskConfig,
		metrics:     cfg.Metrics,
		credCache:   cfg.CredentialCache,
		jwtSecret:   cfg.JWTSecret,
		monitorKeys: keys,
		taskTimeout: cfg.TaskTimeout,
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(CORSMiddleware())
	s.engine.Use(RequestIDMiddleware())
	s.engine.Use(RequestLogger(cfg.Metrics))

	// Operational endpoints.
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Ingestion endpoints for the chat-parser collaborator (role MONITOR).
	ingest := s.engine.Group("/", s.monitorAuth())
	ingest.POST("/broadcast-trade", RateLimitMiddleware("broadcast", 10), s.broadcastTrade)
	ingest.POST("/heartbeat", s.postHeartbeat)
	ingest.GET("/config", s.getGlobalConfig)

	// Auth.
	s.engine.POST("/api/auth/register", s.registerUser)
	s.engine.POST("/api/auth/login", s.loginUser)

	// Per-user endpoints (role USER via JWT).
	user := s.engine.Group("/api", AuthMiddleware(s.jwtSecret))
	user.POST("/execute-trade", RateLimitMiddleware("trade", 30), s.executeTrade)
	user.GET("/trades", s.listTrades)
	user.GET("/positions", s.listPositions)
	user.GET("/stats", s.getStats)
	user.GET("/settings", s.getSettings)
	user.PUT("/settings", s.putSettings)
	user.PUT("/credentials", s.putCredentials)
	user.POST("/autotrade", s.setAutoTrade)
	user.PUT("/webhook", s.putWebhook)

	return s
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // broadcast waits for every per-user task
	}
	return srv.ListenAndServe()
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }
