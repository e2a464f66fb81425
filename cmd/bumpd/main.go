package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"clawdbump/chain"
	"clawdbump/config"
	"clawdbump/distribution"
	"clawdbump/ledger"
	"clawdbump/models"
	"clawdbump/observability/logging"
	telemetry "clawdbump/observability/otel"
	"clawdbump/rotation"
	"clawdbump/runner"
	"clawdbump/server"
	"clawdbump/session"
	"clawdbump/swapexec"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bumpd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to bumpd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("BUMPD_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	var sink *logging.FileSink
	if cfg.Log.File != "" {
		sink = &logging.FileSink{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("bumpd", env, sink)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "bumpd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	backend, err := chain.DialBackend(cfg.Chain.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer backend.Close()

	wrapped := common.HexToAddress(cfg.Chain.WrappedAsset)
	oracle := chain.NewEVMOracle(backend, wrapped)
	quotes := chain.NewAggregatorClient(chain.AggregatorConfig{
		BaseURL: cfg.Aggregator.BaseURL,
		APIKey:  cfg.Aggregator.APIKey,
	})
	custody := chain.NewCustodyClient(chain.CustodyConfig{
		BaseURL: cfg.Custody.BaseURL,
		APIKey:  cfg.Custody.APIKey,
	})
	priceFeed := chain.NewHTTPPriceFeed(chain.PriceFeedConfig{
		BaseURL:  cfg.PriceFeed.BaseURL,
		AssetID:  cfg.PriceFeed.AssetID,
		CacheTTL: cfg.PriceFeed.CacheTTL.Duration,
	})

	creditLedger := ledger.New(db, oracle, ledger.WithLogger(logger))
	sessions := session.NewManager(db, session.WithLogger(logger))
	swapper := swapexec.NewExecutor(swapexec.Config{
		DB:                   db,
		Oracle:               oracle,
		Quotes:               quotes,
		Exec:                 custody,
		WrappedAsset:         wrapped,
		SlippageBps:          cfg.Bump.SlippageBps,
		EscalatedSlippageBps: cfg.Bump.EscalatedSlippageBps,
		ConfirmTimeout:       cfg.Chain.ConfirmTimeout.Duration,
		Logger:               logger,
	})
	engine := distribution.NewEngine(distribution.Config{
		DB:             db,
		Ledger:         creditLedger,
		Oracle:         oracle,
		Exec:           custody,
		WrappedAsset:   wrapped,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		Logger:         logger,
	})
	scheduler := rotation.NewScheduler(rotation.Config{
		DB:             db,
		Ledger:         creditLedger,
		Oracle:         oracle,
		Price:          priceFeed,
		Exec:           custody,
		Swapper:        swapper,
		Sessions:       sessions,
		WrappedAsset:   wrapped,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		Logger:         logger,
	})

	ticker := runner.New(scheduler, sessions, logger)
	if err := ticker.Start(context.Background()); err != nil {
		return fmt.Errorf("start tick runner: %w", err)
	}
	defer ticker.Stop()

	auth, err := server.NewAuthenticator(cfg.Auth.BearerToken)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	api := server.New(server.Config{
		DB:        db,
		Ledger:    creditLedger,
		Engine:    engine,
		Scheduler: scheduler,
		Sessions:  sessions,
		Runner:    ticker,
		Auth:      auth,
		Logger:    logger,
		ReadLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(api.Handler(), "bumpd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("bumpd listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if cfg.URL != "" {
		return gorm.Open(postgres.Open(cfg.URL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
}
