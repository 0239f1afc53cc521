package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signal-trading-bot/internal/auth"
	"signal-trading-bot/internal/bot"
	"signal-trading-bot/internal/pricefeed"
	"signal-trading-bot/internal/safety"
	"signal-trading-bot/internal/signals"
)

// maxSignalBody bounds the ingest payload size.
const maxSignalBody = 1 << 20

// handleHealthz is the liveness probe: the process is up and serving.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz is the readiness probe. Each data feed must have reported
// within twice its poll interval, every open position must carry a live
// stop-loss, and a stream-configured price feed must actually be on the
// stream. Any failed check turns the whole probe 503.
func (s *Server) handleReadyz(c *gin.Context) {
	now := s.now().UTC()
	fresh := s.store.Freshness()
	pc := s.cfg.PollerConfig

	checks := map[string]bool{
		"account_fresh":   within(fresh.AccountOK, 2*secondsOf(pc.AccountIntervalSeconds), now),
		"positions_fresh": within(fresh.PositionsOK, 2*secondsOf(pc.PositionsIntervalSeconds), now),
		"orders_fresh":    within(fresh.OrdersOK, 2*secondsOf(pc.OpenOrdersIntervalSeconds), now),
		"price_fresh":     within(fresh.PriceOK, 2*secondsOf(s.cfg.PriceFeedConfig.RefreshIntervalSeconds), now),
		"sl_covered":      s.stopLossCovered(),
		"price_feed_mode": s.priceFeedModeOK(),
	}

	ready := true
	for _, ok := range checks {
		if !ok {
			ready = false
			break
		}
	}

	st := s.safety.Status()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":               ready,
		"checks":              checks,
		"safe_mode":           st.Mode == safety.ModeSafe,
		"panic_mode":          st.Mode == safety.ModePanic,
		"reason":              st.Reason,
		"price_feed_mode":     s.feed.Mode(),
		"price_feed_degraded": s.priceFeedDegraded(),
	})
}

func secondsOf(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func within(ts time.Time, window time.Duration, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) <= window
}

// stopLossCovered reports whether every open position has a live closing
// stop order tracked for it.
func (s *Server) stopLossCovered() bool {
	for _, pos := range s.store.Positions() {
		if !s.store.HasValidStopLoss(pos.Symbol, pos.Side) {
			return false
		}
	}
	return true
}

// priceFeedModeOK gates readiness on the stream when the feed is configured
// for it. REST by configuration is fine; REST by degradation is not.
func (s *Server) priceFeedModeOK() bool {
	if s.cfg.PriceFeedConfig.Mode == pricefeed.ModeRest {
		return true
	}
	return s.feed.Mode() == pricefeed.ModeWS
}

func (s *Server) priceFeedDegraded() bool {
	return s.cfg.PriceFeedConfig.Mode != pricefeed.ModeRest && s.feed.Mode() == pricefeed.ModeRest
}

// handleStatus returns the full runtime view: safety state, the state
// store snapshot, price feed mode, the capability cache, held plans, and
// recent ledger history. A ledger outage degrades the history fields but
// never fails the endpoint.
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	body := gin.H{
		"safety": s.safety.Status(),
		"state":  s.store.ToSnapshot(),
		"price_feed": gin.H{
			"mode":     s.feed.Mode(),
			"degraded": s.priceFeedDegraded(),
		},
		"capabilities": s.caps.Snapshot(),
		"pending":      s.bot.Pending(),
	}

	if execs, err := s.led.RecentExecutions(ctx, 20); err != nil {
		s.log.Warn().Err(err).Msg("recent executions unavailable")
		body["ledger_error"] = err.Error()
	} else {
		body["recent_executions"] = execs
	}
	if events, err := s.led.RecentEvents(ctx, 20); err != nil {
		s.log.Warn().Err(err).Msg("recent events unavailable")
		body["ledger_error"] = err.Error()
	} else {
		body["recent_events"] = events
	}

	c.JSON(http.StatusOK, body)
}

// handleSignal is the ingest endpoint: one signal payload per request.
// Schema violations are the deliverer's fault and come back 400; anything
// past the schema is recorded as a decision and reported as processed.
func (s *Server) handleSignal(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignalBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	if err := s.bot.HandleRaw(c.Request.Context(), raw); err != nil {
		if errors.Is(err, signals.ErrBadPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// handlePending lists plans held for manual confirmation.
func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.bot.Pending()})
}

// handleConfirmPending executes one held plan after a fresh risk pass.
func (s *Server) handleConfirmPending(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}

	if err := s.bot.ConfirmPending(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, bot.ErrNoPendingPlan):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, bot.ErrConfirmationRejected):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "executed", "execution_id": id})
}

// handleLogin verifies the configured operator credential and issues a
// short-lived access token.
func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	ac := s.cfg.AuthConfig
	if req.Email != ac.OperatorEmail || !auth.VerifyPassword(req.Password, ac.OperatorPasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   auth.ErrInvalidCredentials.Code,
			"message": auth.ErrInvalidCredentials.Message,
		})
		return
	}

	token, err := s.jwt.GenerateAccessToken(req.Email)
	if err != nil {
		s.log.Error().Err(err).Msg("access token generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, auth.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   s.jwt.TokenDurationSeconds(),
	})
}

// operator names the acting operator for the audit trail. With auth
// disabled there is no identity to attach.
func (s *Server) operator(c *gin.Context) string {
	if op := auth.Operator(c); op != "" {
		return op
	}
	return "unauthenticated"
}

// handleClearPanic releases PANIC_CLOSE back to NORMAL. The supervisor
// refuses when the mode does not match, which maps to a conflict.
func (s *Server) handleClearPanic(c *gin.Context) {
	op := s.operator(c)
	if err := s.safety.ClearPanic(c.Request.Context(), op); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "operator": op})
}

// handleClearSafeMode releases SAFE_MODE back to NORMAL.
func (s *Server) handleClearSafeMode(c *gin.Context) {
	op := s.operator(c)
	if err := s.safety.ClearSafeMode(c.Request.Context(), op); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "operator": op})
}

// handleKill arms the panic close: flatten everything, halt trading. The
// reason names the operator so the audit trail shows who pulled it. Armed
// is false when a panic was already active.
func (s *Server) handleKill(c *gin.Context) {
	op := s.operator(c)
	armed := s.safety.EnterPanic(c.Request.Context(), "kill requested by "+op)
	c.JSON(http.StatusOK, gin.H{"status": "panic", "armed": armed, "operator": op})
}
