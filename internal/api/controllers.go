package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signal-relay/internal/ledger"
	"signal-relay/internal/signal"
	"signal-relay/pkg/db"
)

// broadcastTrade accepts one parsed TradeIntent from the chat-parser
// collaborator and fans it out to all eligible users.
func (s *Server) broadcastTrade(c *gin.Context) {
	var intent signal.TradeIntent
	if err := c.BindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid trade intent"})
		return
	}
	if err := intent.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INTENT", "error": err.Error()})
		return
	}

	result, err := s.dispatcher.Broadcast(c.Request.Context(), &intent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "BROADCAST_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// executeTrade runs one intent for the authenticated user only.
func (s *Server) executeTrade(c *gin.Context) {
	userID := CurrentUserID(c)

	var intent signal.TradeIntent
	if err := c.BindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid trade intent"})
		return
	}
	if err := intent.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INTENT", "error": err.Error()})
		return
	}
	if intent.Source.Platform == "" {
		intent.Source.Platform = "manual"
	}

	// Detached from the request context: an aborted request must not orphan
	// half-placed exchange orders.
	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()

	outcome := s.orch.ExecuteForUser(ctx, userID, &intent)
	c.JSON(http.StatusOK, outcome)
}

// postHeartbeat records upstream liveness; it has no trading effect.
func (s *Server) postHeartbeat(c *gin.Context) {
	var req struct {
		Status   string `json:"status"`
		AIStatus string `json:"aiStatus"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid heartbeat"})
		return
	}

	s.hbMu.Lock()
	s.heartbeat = heartbeatState{Status: req.Status, AIStatus: req.AIStatus, LastSeen: time.Now()}
	s.hbMu.Unlock()

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// health reports process and upstream liveness.
func (s *Server) health(c *gin.Context) {
	s.hbMu.RLock()
	hb := s.heartbeat
	s.hbMu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"upstream":  hb,
		"timestamp": time.Now(),
	})
}

// getGlobalConfig exposes the effective global defaults (role MONITOR).
func (s *Server) getGlobalConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.config.Globals())
}

// listTrades returns the user's trades, filtered by status or closed range.
func (s *Server) listTrades(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()

	if from, to := c.Query("from"), c.Query("to"); from != "" && to != "" {
		fromTs, err1 := time.Parse(time.RFC3339, from)
		toTs, err2 := time.Parse(time.RFC3339, to)
		if err1 != nil || err2 != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_RANGE", "error": "from/to must be RFC3339"})
			return
		}
		trades, err := s.store.FindClosedInRange(ctx, userID, fromTs, toTs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": trades})
		return
	}

	status := ledger.Status(c.DefaultQuery("status", string(ledger.StatusClosed)))
	trades, err := s.store.FindByStatus(ctx, userID, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// listPositions returns the user's open trades.
func (s *Server) listPositions(c *gin.Context) {
	trades, err := s.store.FindByStatus(c.Request.Context(), CurrentUserID(c), ledger.StatusOpen)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": trades})
}

// getStats summarizes the user's risk budget and recent results.
func (s *Server) getStats(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()
	now := time.Now()
	y, m, d := now.Local().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.Local)

	realizedToday, err := s.store.RealizedNetBetween(ctx, userID, dayStart, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
		return
	}
	open, err := s.store.FindByStatus(ctx, userID, ledger.StatusOpen)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
		return
	}
	cfg, err := s.config.Effective(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
		return
	}

	lossBudgetUsed := 0.0
	if realizedToday < 0 && cfg.MaxDailyLossUSDT > 0 {
		lossBudgetUsed = -realizedToday / cfg.MaxDailyLossUSDT
	}
	c.JSON(http.StatusOK, gin.H{
		"realized_today":      realizedToday,
		"open_positions":      len(open),
		"max_daily_loss_usdt": cfg.MaxDailyLossUSDT,
		"loss_budget_used":    lossBudgetUsed,
		"circuit_breaker":     lossBudgetUsed >= 1.0,
	})
}

// getSettings returns the user's risk overrides.
func (s *Server) getSettings(c *gin.Context) {
	overrides, err := s.queries.GetOverrides(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "QUERY_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, overrides)
}

// putSettings replaces the user's risk overrides.
func (s *Server) putSettings(c *gin.Context) {
	var overrides db.Overrides
	if err := c.BindJSON(&overrides); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid settings payload"})
		return
	}
	overrides.UserID = CurrentUserID(c)

	if overrides.RiskPercent != nil && (*overrides.RiskPercent <= 0 || *overrides.RiskPercent > 1) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SETTINGS", "error": "risk_percent must be in (0, 1]"})
		return
	}
	if overrides.Leverage != nil && (*overrides.Leverage < 1 || *overrides.Leverage > 125) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SETTINGS", "error": "leverage must be in [1, 125]"})
		return
	}

	if err := s.queries.UpsertOverrides(c.Request.Context(), overrides); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "UPDATE_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// putCredentials stores the user's exchange API keys, encrypted at rest.
func (s *Server) putCredentials(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "VAULT_UNAVAILABLE",
			"error": "credential storage requires the encryption vault",
		})
		return
	}
	userID := CurrentUserID(c)

	var req struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if err := c.BindJSON(&req); err != nil || req.APIKey == "" || req.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "api_key and api_secret are required"})
		return
	}

	keyEnc, err := s.vault.Encrypt(req.APIKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "ENCRYPTION_FAILED", "error": err.Error()})
		return
	}
	secretEnc, err := s.vault.Encrypt(req.APISecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "ENCRYPTION_FAILED", "error": err.Error()})
		return
	}

	err = s.queries.UpsertCredentials(c.Request.Context(), db.Credentials{
		UserID:             userID,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		KeyVersion:         s.vault.CurrentVersion(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "UPDATE_FAILED", "error": err.Error()})
		return
	}
	if s.credCache != nil {
		s.credCache.Invalidate(userID)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// setAutoTrade toggles auto-trading for the user.
func (s *Server) setAutoTrade(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid payload"})
		return
	}
	if err := s.queries.SetAutoTrade(c.Request.Context(), CurrentUserID(c), req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "UPDATE_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_trade": req.Enabled})
}

// putWebhook configures the user's notification webhook.
func (s *Server) putWebhook(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid payload"})
		return
	}
	if err := s.queries.SetWebhookURL(c.Request.Context(), CurrentUserID(c), req.URL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "UPDATE_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
