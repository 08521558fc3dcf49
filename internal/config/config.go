package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env       string          `yaml:"env"`
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Redis     RedisConfig     `yaml:"redis"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// StrategyConfig drives the ladder. Tier offsets default to the production
// table when absent; seed_side picks the direction of the first lot when no
// flip history exists.
type StrategyConfig struct {
	Symbol             string        `yaml:"symbol"`
	SeedSide           string        `yaml:"seed_side"`
	SeedOffset         float64       `yaml:"seed_offset"`
	Leverage           int           `yaml:"leverage"`
	PostOnly           *bool         `yaml:"post_only"`
	ShadeTicks         int           `yaml:"shade_ticks"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	MaxRepriceAttempts int           `yaml:"max_reprice_attempts"`
	StartArmed         bool          `yaml:"start_armed"`
	Tiers              []TierConfig  `yaml:"tiers"`
}

type TierConfig struct {
	Lots      int     `yaml:"lots"`
	TPOffset  float64 `yaml:"tp_offset"`
	AvgOffset float64 `yaml:"avg_offset"`
}

type RiskConfig struct {
	MaxLots              int     `yaml:"max_lots"`
	MaxMarginUtilization float64 `yaml:"max_margin_utilization"`
	FlattenSlippage      float64 `yaml:"flatten_slippage"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "prod"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.india.delta.exchange"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://socket.india.delta.exchange"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 25 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/delta-pyramid-bot.db"
	}
	if cfg.Strategy.SeedSide == "" {
		cfg.Strategy.SeedSide = "buy"
	}
	if cfg.Strategy.SeedOffset == 0 {
		cfg.Strategy.SeedOffset = 5
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 10
	}
	if cfg.Strategy.PostOnly == nil {
		postOnly := true
		cfg.Strategy.PostOnly = &postOnly
	}
	if cfg.Strategy.PollInterval == 0 {
		cfg.Strategy.PollInterval = 30 * time.Second
	}
	if cfg.Strategy.AckTimeout == 0 {
		cfg.Strategy.AckTimeout = 5 * time.Second
	}
	if cfg.Strategy.MaxRepriceAttempts == 0 {
		cfg.Strategy.MaxRepriceAttempts = 3
	}
	if len(cfg.Strategy.Tiers) == 0 {
		cfg.Strategy.Tiers = []TierConfig{
			{Lots: 1, TPOffset: 300, AvgOffset: 750},
			{Lots: 3, TPOffset: 200, AvgOffset: 500},
			{Lots: 9, TPOffset: 100, AvgOffset: 500},
			{Lots: 27, TPOffset: 50},
		}
	}
	if cfg.Risk.MaxLots == 0 {
		cfg.Risk.MaxLots = 27
	}
	if cfg.Risk.MaxMarginUtilization == 0 {
		cfg.Risk.MaxMarginUtilization = 0.8
	}
	if cfg.Risk.FlattenSlippage == 0 {
		cfg.Risk.FlattenSlippage = 0.005
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "pyramid:status"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.SeedSide != "buy" && cfg.Strategy.SeedSide != "sell" {
		return fmt.Errorf("strategy.seed_side must be buy or sell, got %q", cfg.Strategy.SeedSide)
	}
	if cfg.Strategy.SeedOffset < 0 {
		return errors.New("strategy.seed_offset must be >= 0")
	}
	if cfg.Strategy.ShadeTicks < 0 {
		return errors.New("strategy.shade_ticks must be >= 0")
	}
	lots := make(map[int]bool, len(cfg.Strategy.Tiers))
	for _, tier := range cfg.Strategy.Tiers {
		if tier.Lots <= 0 {
			return fmt.Errorf("tier lots must be > 0, got %d", tier.Lots)
		}
		if lots[tier.Lots] {
			return fmt.Errorf("duplicate tier for %d lots", tier.Lots)
		}
		lots[tier.Lots] = true
		if tier.TPOffset <= 0 {
			return fmt.Errorf("tier %d: tp_offset must be > 0", tier.Lots)
		}
	}
	if cfg.Risk.MaxLots <= 0 {
		return errors.New("risk.max_lots must be > 0")
	}
	if cfg.Risk.MaxMarginUtilization <= 0 || cfg.Risk.MaxMarginUtilization > 1 {
		return errors.New("risk.max_margin_utilization must be in (0, 1]")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return errors.New("telegram.token is required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Telegram.OperatorEnabled && cfg.Telegram.ChatID == "" {
		return errors.New("telegram.chat_id is required when the operator is enabled")
	}
	return nil
}

// LadderTiers indexes the tier table by lot count.
func (s StrategyConfig) LadderTiers() map[int]TierConfig {
	tiers := make(map[int]TierConfig, len(s.Tiers))
	for _, tier := range s.Tiers {
		tiers[tier.Lots] = tier
	}
	return tiers
}
