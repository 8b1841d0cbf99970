package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the signal relay.
type Config struct {
	Server   Server   `yaml:"server"`
	Broker   Broker   `yaml:"broker"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Coinbase Coinbase `yaml:"coinbase"`
	Logging  Logging  `yaml:"logging"`
	Strategy Strategy `yaml:"strategy"`
	Sizing   Sizing   `yaml:"sizing"`
	Hours    Hours    `yaml:"hours"`
	DailyCap DailyCap `yaml:"daily_cap"`
	Bracket  Bracket  `yaml:"bracket"`
	Storage  Storage  `yaml:"storage"`
	Webhook  Webhook  `yaml:"webhook"`
}

// Server holds network listener configuration.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"` // 0 disables gRPC health
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Broker selects the venue.
type Broker struct {
	Name           string        `yaml:"name"` // alpaca, coinbase or simulator
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DryRun         bool          `yaml:"dry_run"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Paper     bool   `yaml:"paper"`
	Feed      string `yaml:"feed"`

	// BuyingPowerField is one of buying_power, regt_buying_power,
	// daytrading_buying_power or equity.
	BuyingPowerField string `yaml:"buying_power_field"`
}

// Coinbase holds credentials for Coinbase Advanced Trade.
type Coinbase struct {
	APIBase       string  `yaml:"api_base"`
	WSURL         string  `yaml:"ws_url"`
	KeyName       string  `yaml:"key_name"`
	PrivateKey    string  `yaml:"private_key"`
	PortfolioUUID string  `yaml:"portfolio_uuid"`
	ContractSize  float64 `yaml:"contract_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Strategy is the decision policy.
type Strategy struct {
	Type                string   `yaml:"type"` // long or short
	TradingEnabled      *bool    `yaml:"trading_enabled"`
	AllowedSymbols      []string `yaml:"allowed_symbols"`
	PreferAlertQuantity bool     `yaml:"prefer_alert_quantity"`
	LimitBufferBps      int64    `yaml:"limit_buffer_bps"`
	PriceDecimals       int32    `yaml:"price_decimals"`
}

// Enabled reports whether orders may be placed. Unset means enabled.
func (s Strategy) Enabled() bool {
	return s.TradingEnabled == nil || *s.TradingEnabled
}

// Sizing configures entry sizing.
type Sizing struct {
	Mode     string  `yaml:"mode"` // percent, notional or quantity
	Percent  float64 `yaml:"percent"`
	Notional float64 `yaml:"notional"`
	Quantity int64   `yaml:"quantity"`
}

// Hours configures the trading window and end-of-day flatten.
type Hours struct {
	Enforce             bool          `yaml:"enforce"`
	Timezone            string        `yaml:"timezone"`
	WindowStart         string        `yaml:"window_start"`
	WindowEnd           string        `yaml:"window_end"`
	MarketClose         string        `yaml:"market_close"`
	FlattenBuffer       time.Duration `yaml:"flatten_buffer"`
	AutoFlatten         bool          `yaml:"auto_flatten"`
	FlattenPollInterval time.Duration `yaml:"flatten_poll_interval"`
}

// DailyCap configures the one-entry-per-symbol-per-day rule.
type DailyCap struct {
	Enabled       *bool  `yaml:"enabled"`
	Timezone      string `yaml:"timezone"`
	RetentionDays int    `yaml:"retention_days"`
}

// On reports whether the cap is enforced. Unset means enforced.
func (d DailyCap) On() bool {
	return d.Enabled == nil || *d.Enabled
}

// Bracket configures take-profit/stop-loss legs.
type Bracket struct {
	Enabled       bool    `yaml:"enabled"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
}

// Storage holds persistence settings.
type Storage struct {
	Backend     string `yaml:"backend"` // sqlite, postgres or memory
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
	Journal     bool   `yaml:"journal"`
}

// Webhook configures the alert endpoint.
type Webhook struct {
	Passphrase   string `yaml:"passphrase"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// defaults and environment variable overrides, and validates the result.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Broker.Name == "" {
		cfg.Broker.Name = "simulator"
	}
	if cfg.Broker.RequestTimeout == 0 {
		cfg.Broker.RequestTimeout = 10 * time.Second
	}

	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://api.alpaca.markets"
		if cfg.Alpaca.Paper {
			cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
		}
	}
	if cfg.Alpaca.BuyingPowerField == "" {
		cfg.Alpaca.BuyingPowerField = "buying_power"
	}

	if cfg.Coinbase.ContractSize == 0 {
		cfg.Coinbase.ContractSize = 1
	}
	if cfg.Coinbase.RatePerSecond == 0 {
		cfg.Coinbase.RatePerSecond = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Strategy.Type == "" {
		cfg.Strategy.Type = "long"
	}
	if cfg.Strategy.PriceDecimals == 0 {
		cfg.Strategy.PriceDecimals = 2
	}
	if cfg.Sizing.Mode == "" {
		cfg.Sizing.Mode = "quantity"
		if cfg.Sizing.Quantity == 0 {
			cfg.Sizing.Quantity = 1
		}
	}

	if cfg.Hours.Timezone == "" {
		cfg.Hours.Timezone = "America/New_York"
	}
	if cfg.Hours.FlattenPollInterval == 0 {
		cfg.Hours.FlattenPollInterval = 20 * time.Second
	}

	if cfg.DailyCap.Timezone == "" {
		cfg.DailyCap.Timezone = cfg.Hours.Timezone
	}
	if cfg.DailyCap.RetentionDays == 0 {
		cfg.DailyCap.RetentionDays = 7
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
		if cfg.Storage.DatabaseURL != "" {
			cfg.Storage.Backend = "postgres"
		}
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/relay.db"
	}

	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 64 << 10
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Broker.Name {
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca broker needs api_key and api_secret"))
		}
	case "coinbase":
		if c.Coinbase.KeyName == "" || c.Coinbase.PrivateKey == "" {
			errs = append(errs, errors.New("coinbase broker needs key_name and private_key"))
		}
		if c.Coinbase.ContractSize <= 0 {
			errs = append(errs, fmt.Errorf("coinbase contract_size must be positive, got %v", c.Coinbase.ContractSize))
		}
	case "simulator":
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker.Name))
	}

	switch c.Alpaca.BuyingPowerField {
	case "buying_power", "regt_buying_power", "daytrading_buying_power", "equity":
	default:
		errs = append(errs, fmt.Errorf("unknown alpaca buying_power_field %q", c.Alpaca.BuyingPowerField))
	}

	if c.Strategy.Type != "long" && c.Strategy.Type != "short" {
		errs = append(errs, fmt.Errorf("strategy type must be long or short, got %q", c.Strategy.Type))
	}

	switch c.Sizing.Mode {
	case "percent":
		if c.Sizing.Percent <= 0 || c.Sizing.Percent > 1 {
			errs = append(errs, fmt.Errorf("sizing percent must be in (0, 1], got %v", c.Sizing.Percent))
		}
	case "notional":
		if c.Sizing.Notional <= 0 {
			errs = append(errs, fmt.Errorf("sizing notional must be positive, got %v", c.Sizing.Notional))
		}
	case "quantity":
		if c.Sizing.Quantity < 1 {
			errs = append(errs, fmt.Errorf("sizing quantity must be at least 1, got %d", c.Sizing.Quantity))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sizing mode %q", c.Sizing.Mode))
	}

	if c.Bracket.Enabled && (c.Bracket.TakeProfitPct <= 0 || c.Bracket.StopLossPct <= 0 || c.Bracket.StopLossPct >= 1) {
		errs = append(errs, errors.New("bracket take_profit_pct and stop_loss_pct must be positive, stop_loss_pct below 1"))
	}

	switch c.Storage.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres storage needs database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.DailyCap.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("daily_cap retention_days must be at least 1, got %d", c.DailyCap.RetentionDays))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, set func(bool)) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		set(b)
	}

	str("BROKER", &cfg.Broker.Name)
	boolean("DRY_RUN", func(b bool) { cfg.Broker.DryRun = b })

	str("ALPACA_API_KEY", &cfg.Alpaca.APIKey)
	str("ALPACA_API_SECRET", &cfg.Alpaca.APISecret)
	str("ALPACA_SECRET_KEY", &cfg.Alpaca.APISecret)
	str("ALPACA_BASE_URL", &cfg.Alpaca.BaseURL)
	str("ALPACA_DATA_URL", &cfg.Alpaca.DataURL)
	boolean("ALPACA_PAPER", func(b bool) { cfg.Alpaca.Paper = b })
	// Standard Alpaca env vars take priority.
	str("APCA_API_KEY_ID", &cfg.Alpaca.APIKey)
	str("APCA_API_SECRET_KEY", &cfg.Alpaca.APISecret)

	str("CB_API_KEY", &cfg.Coinbase.KeyName)
	str("CB_API_SECRET", &cfg.Coinbase.PrivateKey)

	str("STRATEGY_TYPE", &cfg.Strategy.Type)
	boolean("ENABLE_TRADING", func(b bool) { cfg.Strategy.TradingEnabled = &b })

	str("DATA_DIR", &cfg.Storage.DataDir)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("DATABASE_URL", &cfg.Storage.DatabaseURL)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("WEBHOOK_PASSPHRASE", &cfg.Webhook.Passphrase)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			cfg.Server.Port = port
		}
	}

	cfg.Strategy.Type = strings.ToLower(strings.TrimSpace(cfg.Strategy.Type))
	return errors.Join(errs...)
}
