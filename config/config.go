package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	FiltersConfig      FiltersConfig      `json:"filters"`
	RiskConfig         RiskConfig         `json:"risk"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	SafetyConfig       SafetyConfig       `json:"safety"`
	ReconcileConfig    ReconcileConfig    `json:"reconcile"`
	PollerConfig       PollerConfig       `json:"poller"`
	PriceFeedConfig    PriceFeedConfig    `json:"price_feed"`
	CapabilityConfig   CapabilityConfig   `json:"capability"`
	RateLimitConfig    RateLimitConfig    `json:"rate_limit"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	// Operator API and persistence
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	VaultConfig    VaultConfig    `json:"vault"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
}

// ExchangeConfig holds Binance USDT-M futures connection settings
type ExchangeConfig struct {
	APIKey       string `json:"api_key"`
	SecretKey    string `json:"secret_key"`
	BaseURL      string `json:"base_url"`
	TestNet      bool   `json:"testnet"`
	MarginType   string `json:"margin_type"`   // CROSSED or ISOLATED
	PositionMode string `json:"position_mode"` // ONE_WAY or HEDGE
	RecvWindow   int    `json:"recv_window"`   // Milliseconds
}

// FiltersConfig gates which signals are eligible for execution at all
type FiltersConfig struct {
	SymbolPolicy          string   `json:"symbol_policy"` // ALLOWLIST or ALLOW_ALL
	Whitelist             []string `json:"whitelist"`
	Blacklist             []string `json:"blacklist"`
	RequireExchangeSymbol bool     `json:"require_exchange_symbol"`
	MinUSDTVolume24h      float64  `json:"min_usdt_volume_24h"` // 0 disables the volume gate
	MaxLeverage           int      `json:"max_leverage"`
	LeverageOverLimit     string   `json:"leverage_over_limit_action"` // CLAMP or REJECT
	AllowSides            []string `json:"allow_sides"`                // LONG, SHORT
	MaxSignalAgeSeconds   int      `json:"max_signal_age_seconds"`
}

type RiskConfig struct {
	Disabled                 bool    `json:"disabled"`               // Bypasses strategy filters; hard invariants still apply
	AccountRiskPerTrade      float64 `json:"account_risk_per_trade"` // Fraction of equity risked per trade
	MaxNotionalPerTrade      float64 `json:"max_notional_per_trade"` // USDT cap on position notional
	EntrySlippagePct         float64 `json:"entry_slippage_pct"`     // Max % drift from signal entry zone
	CooldownSeconds          int     `json:"cooldown_seconds"`       // Per symbol+side
	DefaultStopLossPct       float64 `json:"default_stop_loss_pct"`  // Used when the signal carries no stop
	AssumedEquityUSDT        float64 `json:"assumed_equity_usdt"`    // Equity substitute in dry-run mode
	MaxOpenPositions         int     `json:"max_open_positions"`
	MinSignalQuality         float64 `json:"min_signal_quality"` // 0 disables the quality gate
	MinConfidence            float64 `json:"min_confidence"`     // Signals below go to manual confirmation
	MaxDrawdownPct           float64 `json:"max_drawdown_pct"`
	ConsecutiveStopLossLimit int     `json:"consecutive_stoploss_limit"` // Stop-outs in a row before the breaker trips
	StopLossCooldownSeconds  int     `json:"stoploss_cooldown_seconds"`  // How long the breaker holds entries
	DryRun                   bool    `json:"dry_run"`
}

type ExecutionConfig struct {
	LimitPriceStrategy string    `json:"limit_price_strategy"` // MID, LOW, HIGH
	TimeInForce        string    `json:"time_in_force"`        // GTC, IOC, FOK
	EntrySplits        []float64 `json:"entry_splits"`         // Fractions per entry slice, empty = single
	TakeProfitPoints   []float64 `json:"take_profit_points"`   // Prices come from the signal; these are fallback %s
	DisableTPOnFill    bool      `json:"disable_tp_on_fill"`   // Suppresses the TP ladder on entry fills
	BEReducePct        float64   `json:"be_reduce_pct"`        // % of position reduced at break-even; 0 disables
	BEBufferPct        float64   `json:"be_buffer_pct"`        // Break-even price buffer fraction
	BEMinProfitPct     float64   `json:"be_min_profit_pct"`    // Mark must clear entry by this % before a BE move
	StopLossOrderType  string    `json:"sl_order_type"`        // trigger or local_guard
	MaxSubmitRetries   int       `json:"max_submit_retries"`
}

type SafetyConfig struct {
	KillSwitchFile                string  `json:"kill_switch_file"`
	KillSwitchEnv                 string  `json:"kill_switch_env"`
	MaxDrawdownPct                float64 `json:"max_drawdown_pct"`
	MaxMarginRatio                float64 `json:"max_margin_ratio"`
	LiquidationDistanceThreshold  float64 `json:"liquidation_distance_threshold"`
	APIErrorBurst                 int     `json:"api_error_burst"`
	APIErrorWindowSeconds         int     `json:"api_error_window_seconds"`
	MaxTimeWithoutSLSeconds       int     `json:"max_time_without_sl_seconds"`
	EmergencyCloseOnSLPlaceFailed bool    `json:"emergency_close_if_sl_place_fails"`
	TickIntervalSeconds           int     `json:"tick_interval_seconds"`
}

type ReconcileConfig struct {
	IntervalSeconds      int `json:"interval_seconds"`
	GuardIntervalSeconds int `json:"guard_interval_seconds"` // local guard price sweep cadence
	MaxSubmitRetries     int `json:"max_submit_retries"`
}

// PollerConfig sets per-feed REST polling cadence
type PollerConfig struct {
	AccountIntervalSeconds    int `json:"account_interval_seconds"`
	PositionsIntervalSeconds  int `json:"positions_interval_seconds"`
	OpenOrdersIntervalSeconds int `json:"open_orders_interval_seconds"`
	ContractsIntervalSeconds  int `json:"contracts_interval_seconds"`
}

type PriceFeedConfig struct {
	Mode                    string `json:"mode"` // ws or rest
	RefreshIntervalSeconds  int    `json:"refresh_interval_seconds"`
	RESTGuardAction         string `json:"rest_guard_action"`        // safe_mode or notify when a guard arms on REST prices
	MaxStreamFailures       int    `json:"max_stream_failures"`      // consecutive ws failures before REST fallback
	RecoveryIntervalSeconds int    `json:"recovery_interval_seconds"` // how often a degraded feed re-attempts the stream
}

type CapabilityConfig struct {
	ProbeOnStartup          bool `json:"probe_on_startup"`
	ProbeSafeModeOnFailure  bool `json:"probe_safe_mode_on_failure"`
	TTLSeconds              int  `json:"ttl_seconds"`
	UnknownRetryTTLSeconds  int  `json:"unknown_retry_ttl_seconds"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	MaxRetries        int     `json:"max_retries"`
	BackoffBaseMs     int     `json:"backoff_base_ms"`
	BackoffCapMs      int     `json:"backoff_cap_ms"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	MinLevel string         `json:"min_level"` // INFO, WARN, ERROR, CRITICAL
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Console writer when false
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ProductionMode  bool   `json:"production_mode"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	RefreshTokenDuration time.Duration `json:"refresh_token_duration"`
	OperatorEmail        string        `json:"operator_email"`
	OperatorPasswordHash string        `json:"operator_password_hash"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile reads the given JSON config file, fills defaults and applies
// environment overrides. A missing file is not an error; the result is
// defaults plus environment.
func LoadFile(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that cannot be acted on safely.
func (c *Config) Validate() error {
	switch c.FiltersConfig.SymbolPolicy {
	case "ALLOWLIST", "ALLOW_ALL":
	default:
		return fmt.Errorf("filters.symbol_policy must be ALLOWLIST or ALLOW_ALL, got %q", c.FiltersConfig.SymbolPolicy)
	}
	switch c.FiltersConfig.LeverageOverLimit {
	case "CLAMP", "REJECT":
	default:
		return fmt.Errorf("filters.leverage_over_limit_action must be CLAMP or REJECT, got %q", c.FiltersConfig.LeverageOverLimit)
	}
	switch c.ExecutionConfig.StopLossOrderType {
	case "trigger", "local_guard":
	default:
		return fmt.Errorf("execution.sl_order_type must be trigger or local_guard, got %q", c.ExecutionConfig.StopLossOrderType)
	}
	switch c.ExecutionConfig.LimitPriceStrategy {
	case "MID", "LOW", "HIGH":
	default:
		return fmt.Errorf("execution.limit_price_strategy must be MID, LOW or HIGH, got %q", c.ExecutionConfig.LimitPriceStrategy)
	}
	if c.RiskConfig.AccountRiskPerTrade <= 0 || c.RiskConfig.AccountRiskPerTrade >= 1 {
		return fmt.Errorf("risk.account_risk_per_trade must be in (0, 1), got %v", c.RiskConfig.AccountRiskPerTrade)
	}
	if c.ExecutionConfig.BEReducePct < 0 || c.ExecutionConfig.BEReducePct > 100 {
		return fmt.Errorf("execution.be_reduce_pct must be in [0, 100], got %v", c.ExecutionConfig.BEReducePct)
	}
	var sum float64
	for _, f := range c.ExecutionConfig.EntrySplits {
		if f <= 0 {
			return fmt.Errorf("execution.entry_splits entries must be positive")
		}
		sum += f
	}
	if len(c.ExecutionConfig.EntrySplits) > 0 && (sum < 0.999 || sum > 1.001) {
		return fmt.Errorf("execution.entry_splits must sum to 1.0, got %v", sum)
	}
	return nil
}

// NormalizedWhitelist returns the whitelist upper-cased with slashes stripped
func (c *FiltersConfig) NormalizedWhitelist() []string {
	return normalizeSymbols(c.Whitelist)
}

// NormalizedBlacklist returns the blacklist upper-cased with slashes stripped
func (c *FiltersConfig) NormalizedBlacklist() []string {
	return normalizeSymbols(c.Blacklist)
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "/", ""))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PercentOrRatio reads a distance threshold that operators write either as
// a percent (2 meaning 2%) or as a ratio (0.02). Anything above 0.05 is
// taken as a percent and divided by 100; no real stop sits 5% from entry
// as a ratio.
func PercentOrRatio(v float64) float64 {
	if v <= 0 {
		return 0
	}
	if v > 0.05 {
		return v / 100
	}
	return v
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.MarginType == "" {
		cfg.ExchangeConfig.MarginType = "ISOLATED"
	}
	if cfg.ExchangeConfig.PositionMode == "" {
		cfg.ExchangeConfig.PositionMode = "ONE_WAY"
	}
	if cfg.ExchangeConfig.RecvWindow == 0 {
		cfg.ExchangeConfig.RecvWindow = 5000
	}

	if cfg.FiltersConfig.SymbolPolicy == "" {
		cfg.FiltersConfig.SymbolPolicy = "ALLOWLIST"
	}
	if cfg.FiltersConfig.MaxLeverage == 0 {
		cfg.FiltersConfig.MaxLeverage = 10
	}
	if cfg.FiltersConfig.LeverageOverLimit == "" {
		cfg.FiltersConfig.LeverageOverLimit = "CLAMP"
	}
	if len(cfg.FiltersConfig.AllowSides) == 0 {
		cfg.FiltersConfig.AllowSides = []string{"LONG", "SHORT"}
	}
	if cfg.FiltersConfig.MaxSignalAgeSeconds == 0 {
		cfg.FiltersConfig.MaxSignalAgeSeconds = 20
	}

	if cfg.RiskConfig.AccountRiskPerTrade == 0 {
		cfg.RiskConfig.AccountRiskPerTrade = 0.005
	}
	if cfg.RiskConfig.MaxNotionalPerTrade == 0 {
		cfg.RiskConfig.MaxNotionalPerTrade = 200
	}
	if cfg.RiskConfig.EntrySlippagePct == 0 {
		cfg.RiskConfig.EntrySlippagePct = 0.3
	}
	if cfg.RiskConfig.CooldownSeconds == 0 {
		cfg.RiskConfig.CooldownSeconds = 300
	}
	if cfg.RiskConfig.DefaultStopLossPct == 0 {
		cfg.RiskConfig.DefaultStopLossPct = 1.0
	}
	if cfg.RiskConfig.AssumedEquityUSDT == 0 {
		cfg.RiskConfig.AssumedEquityUSDT = 1000
	}
	if cfg.RiskConfig.MaxOpenPositions == 0 {
		cfg.RiskConfig.MaxOpenPositions = 5
	}
	if cfg.RiskConfig.MaxDrawdownPct == 0 {
		cfg.RiskConfig.MaxDrawdownPct = 15.0
	}
	if cfg.RiskConfig.ConsecutiveStopLossLimit == 0 {
		cfg.RiskConfig.ConsecutiveStopLossLimit = 3
	}
	if cfg.RiskConfig.StopLossCooldownSeconds == 0 {
		cfg.RiskConfig.StopLossCooldownSeconds = 1800
	}

	if cfg.ExecutionConfig.LimitPriceStrategy == "" {
		cfg.ExecutionConfig.LimitPriceStrategy = "MID"
	}
	if cfg.ExecutionConfig.TimeInForce == "" {
		cfg.ExecutionConfig.TimeInForce = "GTC"
	}
	if cfg.ExecutionConfig.BEReducePct == 0 {
		cfg.ExecutionConfig.BEReducePct = 50
	}
	if cfg.ExecutionConfig.BEBufferPct == 0 {
		cfg.ExecutionConfig.BEBufferPct = 0.0005
	}
	if cfg.ExecutionConfig.BEMinProfitPct == 0 {
		cfg.ExecutionConfig.BEMinProfitPct = 0.1
	}
	if cfg.ExecutionConfig.StopLossOrderType == "" {
		cfg.ExecutionConfig.StopLossOrderType = "trigger"
	}
	if cfg.ExecutionConfig.MaxSubmitRetries == 0 {
		cfg.ExecutionConfig.MaxSubmitRetries = 3
	}

	if cfg.SafetyConfig.KillSwitchFile == "" {
		cfg.SafetyConfig.KillSwitchFile = "./KILL_SWITCH"
	}
	if cfg.SafetyConfig.KillSwitchEnv == "" {
		cfg.SafetyConfig.KillSwitchEnv = "TRADER_KILL_SWITCH"
	}
	if cfg.SafetyConfig.MaxDrawdownPct == 0 {
		cfg.SafetyConfig.MaxDrawdownPct = 15.0
	}
	if cfg.SafetyConfig.MaxMarginRatio == 0 {
		cfg.SafetyConfig.MaxMarginRatio = 0.8
	}
	if cfg.SafetyConfig.LiquidationDistanceThreshold == 0 {
		cfg.SafetyConfig.LiquidationDistanceThreshold = 0.01
	}
	if cfg.SafetyConfig.APIErrorBurst == 0 {
		cfg.SafetyConfig.APIErrorBurst = 10
	}
	if cfg.SafetyConfig.APIErrorWindowSeconds == 0 {
		cfg.SafetyConfig.APIErrorWindowSeconds = 60
	}
	if cfg.SafetyConfig.MaxTimeWithoutSLSeconds == 0 {
		cfg.SafetyConfig.MaxTimeWithoutSLSeconds = 120
	}
	if cfg.SafetyConfig.TickIntervalSeconds == 0 {
		cfg.SafetyConfig.TickIntervalSeconds = 5
	}

	if cfg.ReconcileConfig.IntervalSeconds == 0 {
		cfg.ReconcileConfig.IntervalSeconds = 10
	}
	if cfg.ReconcileConfig.GuardIntervalSeconds == 0 {
		cfg.ReconcileConfig.GuardIntervalSeconds = 1
	}
	if cfg.ReconcileConfig.MaxSubmitRetries == 0 {
		cfg.ReconcileConfig.MaxSubmitRetries = 5
	}

	if cfg.PollerConfig.AccountIntervalSeconds == 0 {
		cfg.PollerConfig.AccountIntervalSeconds = 15
	}
	if cfg.PollerConfig.PositionsIntervalSeconds == 0 {
		cfg.PollerConfig.PositionsIntervalSeconds = 10
	}
	if cfg.PollerConfig.OpenOrdersIntervalSeconds == 0 {
		cfg.PollerConfig.OpenOrdersIntervalSeconds = 15
	}
	if cfg.PollerConfig.ContractsIntervalSeconds == 0 {
		cfg.PollerConfig.ContractsIntervalSeconds = 1800
	}

	if cfg.PriceFeedConfig.Mode == "" {
		cfg.PriceFeedConfig.Mode = "ws"
	}
	if cfg.PriceFeedConfig.RefreshIntervalSeconds == 0 {
		cfg.PriceFeedConfig.RefreshIntervalSeconds = 5
	}
	if cfg.PriceFeedConfig.RESTGuardAction == "" {
		cfg.PriceFeedConfig.RESTGuardAction = "safe_mode"
	}
	if cfg.PriceFeedConfig.MaxStreamFailures == 0 {
		cfg.PriceFeedConfig.MaxStreamFailures = 3
	}
	if cfg.PriceFeedConfig.RecoveryIntervalSeconds == 0 {
		cfg.PriceFeedConfig.RecoveryIntervalSeconds = 30
	}

	if cfg.CapabilityConfig.TTLSeconds == 0 {
		cfg.CapabilityConfig.TTLSeconds = 300
	}
	if cfg.CapabilityConfig.UnknownRetryTTLSeconds == 0 {
		cfg.CapabilityConfig.UnknownRetryTTLSeconds = 30
	}

	if cfg.RateLimitConfig.RequestsPerSecond == 0 {
		cfg.RateLimitConfig.RequestsPerSecond = 10
	}
	if cfg.RateLimitConfig.Burst == 0 {
		cfg.RateLimitConfig.Burst = 20
	}
	if cfg.RateLimitConfig.TimeoutSeconds == 0 {
		cfg.RateLimitConfig.TimeoutSeconds = 10
	}
	if cfg.RateLimitConfig.MaxRetries == 0 {
		cfg.RateLimitConfig.MaxRetries = 2
	}
	if cfg.RateLimitConfig.BackoffBaseMs == 0 {
		cfg.RateLimitConfig.BackoffBaseMs = 250
	}
	if cfg.RateLimitConfig.BackoffCapMs == 0 {
		cfg.RateLimitConfig.BackoffCapMs = 8000
	}

	if cfg.NotificationConfig.MinLevel == "" {
		cfg.NotificationConfig.MinLevel = "WARN"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}

	if cfg.AuthConfig.AccessTokenDuration == 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.AuthConfig.RefreshTokenDuration == 0 {
		cfg.AuthConfig.RefreshTokenDuration = 7 * 24 * time.Hour
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "signal-trader/api-keys"
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment takes precedence over the config file.
func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.ExchangeConfig.TestNet)
	cfg.ExchangeConfig.MarginType = getEnvOrDefault("BINANCE_MARGIN_TYPE", cfg.ExchangeConfig.MarginType)
	cfg.ExchangeConfig.PositionMode = getEnvOrDefault("BINANCE_POSITION_MODE", cfg.ExchangeConfig.PositionMode)

	cfg.RiskConfig.DryRun = getEnvBoolOrDefault("TRADER_DRY_RUN", cfg.RiskConfig.DryRun)
	cfg.RiskConfig.Disabled = getEnvBoolOrDefault("RISK_DISABLED", cfg.RiskConfig.Disabled)
	cfg.RiskConfig.AccountRiskPerTrade = getEnvFloatOrDefault("RISK_PER_TRADE", cfg.RiskConfig.AccountRiskPerTrade)
	cfg.RiskConfig.MaxNotionalPerTrade = getEnvFloatOrDefault("RISK_MAX_NOTIONAL", cfg.RiskConfig.MaxNotionalPerTrade)
	cfg.RiskConfig.MaxOpenPositions = getEnvIntOrDefault("RISK_MAX_OPEN_POSITIONS", cfg.RiskConfig.MaxOpenPositions)
	cfg.RiskConfig.MinConfidence = getEnvFloatOrDefault("RISK_MIN_CONFIDENCE", cfg.RiskConfig.MinConfidence)

	cfg.ExecutionConfig.StopLossOrderType = getEnvOrDefault("EXECUTION_SL_ORDER_TYPE", cfg.ExecutionConfig.StopLossOrderType)

	cfg.SafetyConfig.KillSwitchFile = getEnvOrDefault("KILL_SWITCH_FILE", cfg.SafetyConfig.KillSwitchFile)
	cfg.SafetyConfig.KillSwitchEnv = getEnvOrDefault("KILL_SWITCH_ENV", cfg.SafetyConfig.KillSwitchEnv)

	cfg.PriceFeedConfig.Mode = getEnvOrDefault("PRICE_FEED_MODE", cfg.PriceFeedConfig.Mode)

	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.RefreshTokenDuration = getEnvDurationOrDefault("AUTH_REFRESH_TOKEN_DURATION", cfg.AuthConfig.RefreshTokenDuration)
	cfg.AuthConfig.OperatorEmail = getEnvOrDefault("AUTH_OPERATOR_EMAIL", cfg.AuthConfig.OperatorEmail)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)

	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DATABASE_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DATABASE_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DATABASE_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DATABASE_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DATABASE_SSL_MODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	cfg := &Config{
		ExchangeConfig: ExchangeConfig{
			APIKey:    "your_api_key_here",
			SecretKey: "your_secret_key_here",
			TestNet:   true,
		},
		FiltersConfig: FiltersConfig{
			SymbolPolicy:          "ALLOWLIST",
			Whitelist:             []string{"BTCUSDT", "ETHUSDT"},
			Blacklist:             []string{},
			RequireExchangeSymbol: true,
			MinUSDTVolume24h:      5000000,
		},
		RiskConfig: RiskConfig{
			DryRun: true,
		},
		ExecutionConfig: ExecutionConfig{
			EntrySplits: []float64{0.5, 0.5},
		},
		NotificationConfig: NotificationConfig{
			Enabled: false,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
	applyDefaults(cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
