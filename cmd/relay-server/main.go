package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"signalrelay/internal/api"
	"signalrelay/internal/bracket"
	"signalrelay/internal/broker"
	"signalrelay/internal/config"
	"signalrelay/internal/dailycap"
	"signalrelay/internal/domain"
	"signalrelay/internal/engine"
	"signalrelay/internal/metrics"
	"signalrelay/internal/store"
	"signalrelay/internal/util"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to YAML config (optional)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay-server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, prices, stream, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("broker ready", "broker", b.Name(), "dry_run", cfg.Broker.DryRun)

	cal, err := util.NewTradingCalendar(util.CalendarConfig{
		Timezone:      cfg.Hours.Timezone,
		WindowStart:   cfg.Hours.WindowStart,
		WindowEnd:     cfg.Hours.WindowEnd,
		MarketClose:   cfg.Hours.MarketClose,
		FlattenBuffer: cfg.Hours.FlattenBuffer,
	})
	if err != nil {
		return fmt.Errorf("trading calendar: %w", err)
	}

	// -- Persistence --
	trades, closeTrades, err := newTradeStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeTrades()

	var caps *dailycap.Tracker
	if cfg.DailyCap.On() {
		loc, err := time.LoadLocation(cfg.DailyCap.Timezone)
		if err != nil {
			return fmt.Errorf("daily cap timezone %q: %w", cfg.DailyCap.Timezone, err)
		}
		caps = dailycap.NewTracker(trades, loc, logger)
		go caps.RunRetention(ctx, cfg.DailyCap.RetentionDays, time.Hour)
		logger.Info("daily trade retention armed", "retention_days", cfg.DailyCap.RetentionDays)
	}

	var journal store.JournalStore
	if cfg.Storage.Journal {
		journal = store.NewParquetJournal(cfg.Storage.DataDir)
	}

	m := metrics.New()

	// -- Engine --
	ecfg, err := engineConfig(cfg, cal)
	if err != nil {
		return err
	}

	var tracker *bracket.Tracker
	if cfg.Bracket.Enabled {
		tracker = bracket.NewTracker(bracket.Policy{
			Enabled:       true,
			TakeProfitPct: decimal.NewFromFloat(cfg.Bracket.TakeProfitPct),
			StopLossPct:   decimal.NewFromFloat(cfg.Bracket.StopLossPct),
			PriceDecimals: ecfg.PriceDecimals,
		}, b, logger)
	}

	opts := engine.Options{
		Broker:  b,
		Prices:  prices,
		Tracker: tracker,
		Journal: journal,
		Metrics: m,
		Logger:  logger,
		Timeout: cfg.Broker.RequestTimeout,
		DryRun:  cfg.Broker.DryRun,
	}
	// Assigned only when set so the interface stays nil otherwise.
	if caps != nil {
		opts.DailyCap = caps
	}
	eng, err := engine.New(ecfg, opts)
	if err != nil {
		return err
	}

	if tracker != nil {
		if stream == nil {
			return fmt.Errorf("bracket orders need an order-update stream, %s has none", b.Name())
		}
		go func() {
			if err := tracker.Listen(ctx, stream); err != nil && ctx.Err() == nil {
				logger.Error("order-update listener stopped", "error", err)
			}
		}()
		go func() {
			if err := eng.RunBrackets(ctx); err != nil && ctx.Err() == nil {
				logger.Error("bracket runner stopped", "error", err)
			}
		}()
	}

	if cfg.Hours.AutoFlatten {
		af := engine.NewAutoFlattener(eng, cal, cfg.Hours.FlattenPollInterval, logger)
		go af.Run(ctx)
		logger.Info("auto-flatten armed", "next_close", cal.NextClose(time.Now()).Format(time.RFC3339),
			"buffer", cfg.Hours.FlattenBuffer)
	}

	// -- API --
	srvOpts := api.Options{
		Relay:        eng,
		Journal:      journal,
		Metrics:      m,
		Logger:       logger,
		Passphrase:   cfg.Webhook.Passphrase,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}
	if caps != nil {
		srvOpts.DailyCap = caps
	}
	srv, err := api.NewServer(srvOpts)
	if err != nil {
		return err
	}

	grpcAddr := ""
	if cfg.Server.GRPCPort > 0 {
		grpcAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	}
	logger.Info("relay-server starting",
		"addr", cfg.Server.Addr(),
		"bias", ecfg.Bias,
		"sizing", ecfg.Sizing.Mode,
		"trading_enabled", ecfg.TradingEnabled,
		"bracket", ecfg.Bracket,
	)
	return srv.ListenAndServe(ctx, cfg.Server.Addr(), grpcAddr, cfg.Server.ShutdownTimeout)
}

// newBroker builds the configured venue, its price source and its
// order-update stream.
func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, broker.PriceSource, broker.UpdateStream, error) {
	switch cfg.Broker.Name {
	case "alpaca":
		ab, err := broker.NewAlpacaBroker(broker.AlpacaConfig{
			APIKey:           cfg.Alpaca.APIKey,
			APISecret:        cfg.Alpaca.APISecret,
			BaseURL:          cfg.Alpaca.BaseURL,
			Timeout:          cfg.Broker.RequestTimeout,
			BuyingPowerField: cfg.Alpaca.BuyingPowerField,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("alpaca broker: %w", err)
		}
		logger.Info("alpaca sizing uses account field", "field", cfg.Alpaca.BuyingPowerField,
			"paper", cfg.Alpaca.Paper)
		prices := broker.NewAlpacaPrices(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
		return ab, prices, ab, nil

	case "coinbase":
		pem, err := readKey(cfg.Coinbase.PrivateKey)
		if err != nil {
			return nil, nil, nil, err
		}
		cb, err := broker.NewCoinbaseBroker(broker.CoinbaseConfig{
			APIBase:       cfg.Coinbase.APIBase,
			KeyName:       cfg.Coinbase.KeyName,
			PrivateKeyPEM: pem,
			PortfolioUUID: cfg.Coinbase.PortfolioUUID,
			ContractSize:  decimal.NewFromFloat(cfg.Coinbase.ContractSize),
			Timeout:       cfg.Broker.RequestTimeout,
			RatePerSecond: cfg.Coinbase.RatePerSecond,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("coinbase broker: %w", err)
		}
		stream := broker.NewCoinbaseStream(cfg.Coinbase.WSURL, cb, cfg.Strategy.AllowedSymbols)
		return cb, cb, stream, nil

	default:
		logger.Warn("using the in-memory simulator broker; no real orders will be placed")
		sim := broker.NewSimulatorBroker()
		return sim, sim, sim, nil
	}
}

// readKey accepts either an inline PEM or a path to one. Escaped newlines
// from single-line env values are expanded.
func readKey(v string) (string, error) {
	if strings.Contains(v, "BEGIN") {
		return strings.ReplaceAll(v, `\n`, "\n"), nil
	}
	f, err := os.Open(v)
	if err != nil {
		return "", fmt.Errorf("opening coinbase key: %w", err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading coinbase key: %w", err)
	}
	return string(b), nil
}

// newTradeStore opens the daily-trade store for the configured backend and
// returns a function that closes it.
func newTradeStore(ctx context.Context, cfg config.Storage) (store.DailyTradeStore, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return pg, pg.Close, nil
	case "memory":
		return store.NewMemoryDailyTradeStore(), func() {}, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", filepath.Dir(cfg.SQLitePath), err)
		}
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return sq, func() { _ = sq.Close() }, nil
	}
}

func engineConfig(cfg *config.Config, cal *util.TradingCalendar) (engine.Config, error) {
	ec := engine.Config{
		Bias:                domain.Bias(cfg.Strategy.Type),
		TradingEnabled:      cfg.Strategy.Enabled(),
		EnforceHours:        cfg.Hours.Enforce,
		Calendar:            cal,
		AllowedSymbols:      cfg.Strategy.AllowedSymbols,
		PreferAlertQuantity: cfg.Strategy.PreferAlertQuantity,
		LimitBufferBps:      cfg.Strategy.LimitBufferBps,
		PriceDecimals:       cfg.Strategy.PriceDecimals,
		Bracket:             cfg.Bracket.Enabled,
		Sizing: engine.SizingPolicy{
			Mode:     engine.SizingMode(cfg.Sizing.Mode),
			Percent:  decimal.NewFromFloat(cfg.Sizing.Percent),
			Notional: decimal.NewFromFloat(cfg.Sizing.Notional),
			Quantity: cfg.Sizing.Quantity,
		},
	}
	if err := ec.Validate(); err != nil {
		return ec, fmt.Errorf("engine config: %w", err)
	}
	return ec, nil
}
