// Package api is the operator surface of the trader: liveness and
// readiness probes, the prometheus endpoint, the signal ingest endpoint,
// and JWT-gated safety controls. It reads runtime state, it never owns it.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/auth"
	"signal-trading-bot/internal/bot"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/safety"
	"signal-trading-bot/internal/state"
)

// intake accepts wire payloads and confirmation decisions.
type intake interface {
	HandleRaw(ctx context.Context, raw []byte) error
	ConfirmPending(ctx context.Context, executionID int64) error
	Pending() []bot.PendingEntry
}

// safetyControl is the operator's handle on the protection mode.
type safetyControl interface {
	Status() safety.Status
	EnterPanic(ctx context.Context, reason string) bool
	ClearPanic(ctx context.Context, operator string) error
	ClearSafeMode(ctx context.Context, operator string) error
}

// journal reads recent history for the status endpoint.
type journal interface {
	RecentExecutions(ctx context.Context, limit int) ([]ledger.Execution, error)
	RecentEvents(ctx context.Context, limit int) ([]ledger.Event, error)
}

// priceSource reports the active price delivery mode.
type priceSource interface {
	Mode() string
}

// capabilities exposes the probe cache for the status endpoint.
type capabilities interface {
	Snapshot() map[string]exchange.CapabilityRecord
}

// Server is the HTTP operator API.
type Server struct {
	cfg    *config.Config
	router *gin.Engine

	bot    intake
	store  *state.Store
	led    journal
	safety safetyControl
	feed   priceSource
	caps   capabilities

	jwt *auth.JWTManager

	log zerolog.Logger
	now func() time.Time
}

func NewServer(
	cfg *config.Config,
	intakeBot intake,
	store *state.Store,
	led journal,
	safetySup safetyControl,
	feed priceSource,
	caps capabilities,
	logger zerolog.Logger,
) *Server {
	if cfg.ServerConfig.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.ServerConfig.AllowedOrigins)))

	s := &Server{
		cfg:    cfg,
		router: router,
		bot:    intakeBot,
		store:  store,
		led:    led,
		safety: safetySup,
		feed:   feed,
		caps:   caps,
		log:    logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	if cfg.AuthConfig.Enabled {
		s.jwt = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
	}

	s.setupRoutes()
	return s
}

// corsConfig builds the CORS policy from the comma-separated origin list.
// A wildcard cannot carry credentials, so "*" switches to the
// allow-all-without-credentials form.
func corsConfig(allowedOrigins string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	c.ExposeHeaders = []string{"Content-Length"}

	if allowedOrigins == "" || allowedOrigins == "*" {
		c.AllowAllOrigins = true
		return c
	}

	var origins []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}

// requestLogger logs one structured line per request. The probe endpoints
// fire every few seconds and are skipped.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "api").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		switch path {
		case "/healthz", "/readyz", "/metrics":
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/readyz", s.handleReadyz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.jwt != nil {
		s.router.POST("/api/v1/auth/login", s.handleLogin)
	}

	api := s.router.Group("/api/v1")
	if s.jwt != nil {
		api.Use(auth.Middleware(s.jwt))
	}
	{
		api.POST("/signal", s.handleSignal)
		api.GET("/status", s.handleStatus)
		api.GET("/pending", s.handlePending)
		api.POST("/pending/:id/confirm", s.handleConfirmPending)

		api.POST("/safety/clear-panic", s.handleClearPanic)
		api.POST("/safety/clear-safe-mode", s.handleClearSafeMode)
		api.POST("/safety/kill", s.handleKill)
	}
}

// Run serves until ctx is cancelled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.ServerConfig.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", addr).Bool("auth", s.jwt != nil).Msg("api server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(s.cfg.ServerConfig.ShutdownTimeout)*time.Second,
	)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return ctx.Err()
}
