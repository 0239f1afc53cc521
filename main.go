package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/account"
	"signal-trading-bot/internal/api"
	"signal-trading-bot/internal/bot"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/logging"
	"signal-trading-bot/internal/notify"
	"signal-trading-bot/internal/orders"
	"signal-trading-bot/internal/pricefeed"
	"signal-trading-bot/internal/reconcile"
	"signal-trading-bot/internal/risk"
	"signal-trading-bot/internal/safety"
	"signal-trading-bot/internal/state"
	"signal-trading-bot/internal/vault"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		fmt.Println("wrote config.json")
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().
		Bool("testnet", cfg.ExchangeConfig.TestNet).
		Str("price_feed", cfg.PriceFeedConfig.Mode).
		Msg("signal trader starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var led ledger.Ledger
	if cfg.DatabaseConfig.Enabled {
		pg, err := ledger.NewPostgres(cfg.DatabaseConfig, logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		led = pg
		logger.Info().Str("host", cfg.DatabaseConfig.Host).Msg("postgres ledger ready")
	} else {
		led = ledger.NewMemory()
		logger.Warn().Msg("database disabled, journaling to memory only")
	}

	notifyManager := notify.NewManager(cfg, logger)
	alerts := notify.NewAlerts(cfg, notifyManager, led, logger)

	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}
	if vc.Enabled() {
		creds, err := vc.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("vault credentials: %w", err)
		}
		cfg.ExchangeConfig.APIKey = creds.APIKey
		cfg.ExchangeConfig.SecretKey = creds.SecretKey
		logger.Info().Msg("exchange credentials loaded from vault")
	}
	if cfg.ExchangeConfig.APIKey == "" || cfg.ExchangeConfig.SecretKey == "" {
		return errors.New("exchange credentials missing: set them in config, env or vault")
	}

	store := state.NewStore()
	if mirror := state.NewRedisMirror(cfg.RedisConfig, logger); mirror != nil {
		defer mirror.Close()
		store.AttachMirror(mirror)
		if err := store.Hydrate(ctx); err != nil {
			logger.Warn().Err(err).Msg("state hydration from redis failed, starting cold")
		}
	}

	limiter := exchange.NewLimiter(cfg.RateLimitConfig.RequestsPerSecond, cfg.RateLimitConfig.Burst, logger)
	executor := exchange.NewExecutor(cfg.RateLimitConfig, limiter, logger)
	gw := exchange.NewClient(cfg.ExchangeConfig, cfg.CapabilityConfig, executor, logger)
	if err := gw.Init(ctx); err != nil {
		return fmt.Errorf("init exchange gateway: %w", err)
	}
	logger.Info().Bool("hedge_mode", gw.HedgeMode()).Msg("exchange gateway ready")

	supervisor := safety.NewSupervisor(led, alerts, logger)
	supervisor.Restore(ctx)
	killSwitch := safety.NewKillSwitch(cfg.SafetyConfig.KillSwitchFile, cfg.SafetyConfig.KillSwitchEnv, led, logger)

	feed := pricefeed.NewFeed(cfg, gw, store, alerts, logger)
	riskEngine := risk.NewEngine(cfg, gw.Rules(), feed, led, store, logger)
	lifecycle := orders.NewManager(cfg, gw, gw.Rules(), store, led, alerts, supervisor, feed, logger)
	reconciler := reconcile.NewEngine(cfg, gw, store, led, alerts, supervisor, lifecycle, riskEngine, feed, logger)
	daemon := safety.NewDaemon(cfg, supervisor, killSwitch, store, led, gw, alerts, logger)
	poller := account.NewPoller(cfg, gw, store, led, alerts, supervisor, gw.Rules(), logger)
	intake := bot.NewBot(cfg, led, riskEngine, lifecycle, store, supervisor, alerts, logger)
	server := api.NewServer(cfg, intake, store, led, supervisor, feed, gw.Capabilities(), logger)

	if cfg.CapabilityConfig.ProbeOnStartup {
		probed := gw.ProbeTriggerCapability(ctx)
		logger.Info().Str("trigger_orders", string(probed)).Msg("capability probe complete")
		if probed == exchange.CapUnsupported && cfg.CapabilityConfig.ProbeSafeModeOnFailure {
			supervisor.EnterSafeMode(ctx, "trigger orders unsupported on this exchange")
		}
	}

	daemon.CheckOnce(ctx)
	reconciler.ReconcileOnce(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifyManager.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return daemon.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	logger.Info().Msg("signal trader running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("signal trader stopped")
	return nil
}
