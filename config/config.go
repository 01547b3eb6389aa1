package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"taflow/internal/guardrail"
	"taflow/internal/kernel"
	"taflow/internal/model"
	"taflow/internal/pivot"
	"taflow/internal/plot"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults,
// then the YAML file named by TAFLOW_CONFIG, then environment variables.
type Config struct {
	Service  string `yaml:"service"`
	LogLevel string `yaml:"log_level"`

	// Infrastructure
	SQLitePath      string `yaml:"sqlite_path"`
	SQLiteReadConns int    `yaml:"sqlite_read_conns"`
	MetricsAddr     string `yaml:"metrics_addr"`
	Redis           Redis  `yaml:"redis"`

	// Feed
	FeedURL      string  `yaml:"feed_url"`
	FeedExchange string  `yaml:"feed_exchange"`
	FeedTimeoutS float64 `yaml:"feed_read_timeout_s"`

	// Series (comma-separated in env) and timeframes
	Series     []string `yaml:"series"`
	BaseTF     string   `yaml:"base_tf"`
	DerivedTFs []string `yaml:"derived_tfs"`

	Pivots    Pivots    `yaml:"pivots"`
	Kernels   Kernels   `yaml:"kernels"`
	Guardrail Guardrail `yaml:"guardrail"`
	CooldownS float64   `yaml:"cooldown_s"`
	API       API       `yaml:"api"`
	Alerts    Alerts    `yaml:"alerts"`
}

// Alerts configures signal alert delivery. Empty values disable a channel.
type Alerts struct {
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Redis configures the optional notifier. Guardrail bounds publish
// failures before the notifier stops calling Redis for a cooldown.
type Redis struct {
	Enabled   bool      `yaml:"enabled"`
	Addr      string    `yaml:"addr"`
	Password  string    `yaml:"password"`
	DB        int       `yaml:"db"`
	Prefix    string    `yaml:"prefix"`
	Guardrail Guardrail `yaml:"guardrail"`
}

// Pivots configures the plot orchestrator.
type Pivots struct {
	Enabled     bool `yaml:"enabled"`
	MajorWindow int  `yaml:"major_window"`
	MinorWindow int  `yaml:"minor_window"`
	Lookback    int  `yaml:"lookback_candles"`
	AnchorMinor bool `yaml:"anchor_minor"`
}

// Kernels selects the indicator kernels.
type Kernels struct {
	SMA   []int `yaml:"sma"`
	EMA   []int `yaml:"ema"`
	Cross Cross `yaml:"cross"`
}

// Cross configures the moving-average crossover kernel.
type Cross struct {
	Enabled bool   `yaml:"enabled"`
	Source  string `yaml:"source"`
	Fast    int    `yaml:"fast"`
	Slow    int    `yaml:"slow"`
}

// Guardrail configures the ingest crash budget, in seconds.
type Guardrail struct {
	Enabled         bool    `yaml:"enabled"`
	CrashBudget     int     `yaml:"crash_budget"`
	BudgetWindowS   float64 `yaml:"budget_window_s"`
	BackoffInitialS float64 `yaml:"backoff_initial_s"`
	BackoffMaxS     float64 `yaml:"backoff_max_s"`
	OpenCooldownS   float64 `yaml:"open_cooldown_s"`
}

// API configures the read surface limiter.
type API struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	k := kernel.DefaultConfig()
	p := plot.DefaultConfig()
	g := guardrail.DefaultConfig()
	return &Config{
		Service:  "taflow",
		LogLevel: "info",

		SQLitePath:      "data/taflow.db",
		SQLiteReadConns: 4,
		MetricsAddr:     ":9090",
		Redis: Redis{
			Addr:   "localhost:6379",
			Prefix: "taflow:candle",
			Guardrail: Guardrail{
				Enabled:         true,
				CrashBudget:     3,
				BudgetWindowS:   60,
				BackoffInitialS: g.BackoffInitial.Seconds(),
				BackoffMaxS:     g.BackoffMax.Seconds(),
				OpenCooldownS:   30,
			},
		},

		FeedURL:      "ws://localhost:9001/ws",
		FeedExchange: "binance",
		FeedTimeoutS: 120,

		Series:     []string{"binance:spot:BTCUSDT:1m"},
		BaseTF:     "1m",
		DerivedTFs: []string{"5m", "15m"},

		Pivots: Pivots{
			Enabled:     p.Enabled,
			MajorWindow: p.MajorWindow,
			MinorWindow: p.MinorWindow,
			Lookback:    p.LookbackCandles,
		},
		Kernels: Kernels{
			SMA:   k.SMAPeriods,
			EMA:   k.EMAPeriods,
			Cross: Cross{Enabled: k.CrossEnabled, Source: k.CrossSource, Fast: k.CrossFast, Slow: k.CrossSlow},
		},
		Guardrail: Guardrail{
			Enabled:         g.Enabled,
			CrashBudget:     g.CrashBudget,
			BudgetWindowS:   g.BudgetWindow.Seconds(),
			BackoffInitialS: g.BackoffInitial.Seconds(),
			BackoffMaxS:     g.BackoffMax.Seconds(),
			OpenCooldownS:   g.OpenCooldown.Seconds(),
		},
		CooldownS: 1,
		API:       API{RatePerSec: 50, Burst: 100},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("TAFLOW_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// overlayFile decodes a YAML file over the current values; keys missing
// from the file keep their value.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config from YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service = getEnv("SERVICE_NAME", c.Service)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.SQLiteReadConns = getEnvInt("SQLITE_READ_CONNS", c.SQLiteReadConns)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Guardrail.CrashBudget = getEnvInt("REDIS_CRASH_BUDGET", c.Redis.Guardrail.CrashBudget)
	c.Redis.Guardrail.BudgetWindowS = getEnvFloat("REDIS_BUDGET_WINDOW_S", c.Redis.Guardrail.BudgetWindowS)
	c.Redis.Guardrail.OpenCooldownS = getEnvFloat("REDIS_OPEN_COOLDOWN_S", c.Redis.Guardrail.OpenCooldownS)

	c.FeedURL = getEnv("FEED_URL", c.FeedURL)
	c.FeedExchange = getEnv("FEED_EXCHANGE", c.FeedExchange)

	c.Series = getEnvList("TAFLOW_SERIES", c.Series)
	c.BaseTF = getEnv("BASE_TF", c.BaseTF)
	c.DerivedTFs = getEnvList("DERIVED_TFS", c.DerivedTFs)

	c.Pivots.Enabled = getEnvBool("PIVOTS_ENABLED", c.Pivots.Enabled)
	c.Pivots.MajorWindow = getEnvInt("PIVOT_MAJOR_WINDOW", c.Pivots.MajorWindow)
	c.Pivots.MinorWindow = getEnvInt("PIVOT_MINOR_WINDOW", c.Pivots.MinorWindow)
	c.Pivots.Lookback = getEnvInt("PIVOT_LOOKBACK", c.Pivots.Lookback)

	c.Guardrail.Enabled = getEnvBool("GUARDRAIL_ENABLED", c.Guardrail.Enabled)
	c.Guardrail.CrashBudget = getEnvInt("GUARDRAIL_CRASH_BUDGET", c.Guardrail.CrashBudget)
	c.Guardrail.OpenCooldownS = getEnvFloat("GUARDRAIL_OPEN_COOLDOWN_S", c.Guardrail.OpenCooldownS)
	c.CooldownS = getEnvFloat("COOLDOWN_S", c.CooldownS)

	c.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)
	c.Alerts.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Alerts.TelegramToken)
	c.Alerts.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Alerts.TelegramChatID)
}

// Validate rejects values the core would refuse later.
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite path cannot be empty")
	}
	if _, err := model.ParseTimeframe(c.BaseTF); err != nil {
		return fmt.Errorf("base_tf: %w", err)
	}
	ids, err := c.SeriesIDs()
	if err != nil {
		return err
	}
	if err := c.checkIngestOverlap(ids); err != nil {
		return err
	}
	if err := pivot.ValidateWindow(c.Pivots.MajorWindow); err != nil {
		return fmt.Errorf("pivots.major_window %d: %w", c.Pivots.MajorWindow, err)
	}
	if err := pivot.ValidateWindow(c.Pivots.MinorWindow); err != nil {
		return fmt.Errorf("pivots.minor_window %d: %w", c.Pivots.MinorWindow, err)
	}
	if c.Pivots.Lookback <= 0 {
		return fmt.Errorf("pivots.lookback_candles must be > 0")
	}
	if c.Guardrail.CrashBudget <= 0 {
		return fmt.Errorf("guardrail.crash_budget must be > 0")
	}
	if (c.Alerts.TelegramToken == "") != (c.Alerts.TelegramChatID == "") {
		return fmt.Errorf("alerts: telegram token and chat id must be set together")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr required when redis is enabled")
	}
	if c.Redis.Enabled && c.Redis.Guardrail.CrashBudget <= 0 {
		return fmt.Errorf("redis.guardrail.crash_budget must be > 0")
	}
	return nil
}

// checkIngestOverlap rejects series that fold onto the same ingested base
// series, such as a 1m and a 5m series when 5m is derived from 1m.
func (c *Config) checkIngestOverlap(ids []model.SeriesID) error {
	derived := make(map[string]bool, len(c.DerivedTFs))
	for _, tf := range c.DerivedTFs {
		derived[tf] = true
	}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		base := id
		if derived[id.Timeframe] {
			base = id.WithTimeframe(c.BaseTF)
		}
		key := base.String()
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("series %s and %s both ingest %s", prev, id, key)
		}
		seen[key] = id.String()
	}
	return nil
}

// SeriesIDs parses the configured series.
func (c *Config) SeriesIDs() ([]model.SeriesID, error) {
	if len(c.Series) == 0 {
		return nil, fmt.Errorf("at least one series must be configured")
	}
	out := make([]model.SeriesID, 0, len(c.Series))
	for _, s := range c.Series {
		id, err := model.ParseSeriesID(s)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// GuardrailConfig converts the ingest guardrail section.
func (c *Config) GuardrailConfig() guardrail.Config { return c.Guardrail.convert() }

// RedisGuardrailConfig converts the notifier guardrail section.
func (c *Config) RedisGuardrailConfig() guardrail.Config { return c.Redis.Guardrail.convert() }

func (g Guardrail) convert() guardrail.Config {
	return guardrail.Config{
		Enabled:        g.Enabled,
		CrashBudget:    g.CrashBudget,
		BudgetWindow:   seconds(g.BudgetWindowS),
		BackoffInitial: seconds(g.BackoffInitialS),
		BackoffMax:     seconds(g.BackoffMaxS),
		OpenCooldown:   seconds(g.OpenCooldownS),
	}
}

// PlotConfig converts the pivots section.
func (c *Config) PlotConfig() plot.Config {
	p := c.Pivots
	return plot.Config{
		Enabled:         p.Enabled,
		MajorWindow:     p.MajorWindow,
		MinorWindow:     p.MinorWindow,
		LookbackCandles: p.Lookback,
		AnchorMinor:     p.AnchorMinor,
	}
}

// KernelConfig converts the kernels section.
func (c *Config) KernelConfig() kernel.Config {
	k := c.Kernels
	return kernel.Config{
		SMAPeriods:   k.SMA,
		EMAPeriods:   k.EMA,
		CrossEnabled: k.Cross.Enabled,
		CrossSource:  k.Cross.Source,
		CrossFast:    k.Cross.Fast,
		CrossSlow:    k.Cross.Slow,
	}
}

// Cooldown returns the per-series debounce interval.
func (c *Config) Cooldown() time.Duration { return seconds(c.CooldownS) }

// FeedReadTimeout returns the feed silence bound.
func (c *Config) FeedReadTimeout() time.Duration { return seconds(c.FeedTimeoutS) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return b
}

// getEnvList splits a comma-separated variable, skipping empty parts.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
