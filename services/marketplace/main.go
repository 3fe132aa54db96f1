package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cryptobazaar/core/events"
	"cryptobazaar/core/types"
	"cryptobazaar/crypto"
	"cryptobazaar/native/locker"
	"cryptobazaar/observability"
	"cryptobazaar/observability/logging"
	telemetry "cryptobazaar/observability/otel"
	"cryptobazaar/services/marketplace/auth"
	"cryptobazaar/services/marketplace/chain"
	"cryptobazaar/services/marketplace/config"
	mktmw "cryptobazaar/services/marketplace/middleware"
	"cryptobazaar/services/marketplace/models"
	"cryptobazaar/services/marketplace/reconciler"
	"cryptobazaar/services/marketplace/server"
	"cryptobazaar/storage"
)

const serviceName = "marketplace"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to marketplace configuration file (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("marketplace: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("marketplace: init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("marketplace stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	backend, err := openChain(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	metrics := observability.Marketplace()
	profiles := reconciler.NewGormProfiles(db)
	rec, err := reconciler.NewReconciler(reconciler.Config{
		DB:       db,
		Verifier: backend.verifier,
		Profiles: profiles,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   telemetry.Tracer("cryptobazaar/marketplace/reconciler"),
		PageSize: cfg.PageSize,
	})
	if err != nil {
		return err
	}

	if cfg.Recon.Enabled {
		auditor, err := reconciler.NewAuditor(reconciler.AuditConfig{
			DB:        db,
			Locks:     backend.locks,
			OutputDir: cfg.Recon.OutputDir,
			DryRun:    cfg.Recon.DryRun,
			Logger:    logger,
			Metrics:   metrics,
			PageSize:  cfg.PageSize,
		})
		if err != nil {
			return err
		}
		scheduler := reconciler.NewScheduler(reconciler.SchedulerConfig{
			Auditor:  auditor,
			Interval: cfg.Recon.Interval.Duration,
			Logger:   logger,
		})
		go scheduler.Start(ctx)
	}

	authn, err := auth.NewMiddleware(auth.Options{
		Alg:              cfg.Auth.Alg,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		MaxSkewSeconds:   cfg.Auth.MaxSkewSeconds,
		HSSecretEnv:      cfg.Auth.HSSecretEnv,
		RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
		WalletClaim:      cfg.Auth.WalletClaim,
		Operators:        cfg.Auth.Operators,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	limit := mktmw.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
	limiter := mktmw.NewRateLimiter(map[string]mktmw.RateLimit{
		server.LimitRead:  limit,
		server.LimitWrite: {RequestsPerMinute: limit.RequestsPerMinute / 2, Burst: max(1, limit.Burst/2)},
	}, logger)

	srv, err := server.New(server.Config{
		DB:           db,
		Reconciler:   rec,
		Profiles:     profiles,
		Authenticate: authn.Middleware,
		Limiter:      limiter,
		Ledger:       backend.engine,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketplace listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("chain_mode", cfg.Chain.Mode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("marketplace stopped")
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	return db, nil
}

// chainBackend bundles what the reconciler needs from the escrow ledger.
type chainBackend struct {
	verifier chain.Verifier
	locks    chain.LockReader
	engine   *locker.Engine
	close    func()
}

func openChain(ctx context.Context, cfg config.Config, logger *slog.Logger) (*chainBackend, error) {
	if cfg.Chain.Mode == config.ChainModeEVM {
		return openEVM(ctx, cfg.Chain)
	}
	return openNative(cfg.Native, cfg.Chain, logger)
}

func openEVM(ctx context.Context, cfg config.ChainConfig) (*chainBackend, error) {
	client, err := chain.DialEVMClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	lockerAddr, _ := crypto.ParseAddress(cfg.LockerAddress)
	tokenAddr, _ := crypto.ParseAddress(cfg.TokenAddress)
	verifier := chain.NewEVMVerifier(client, lockerAddr, chain.Finality{
		Confirmations:   cfg.Confirmations,
		UseFinalizedTag: cfg.Finality == config.FinalityFinalized,
	})
	reader, err := chain.NewLockerClient(ctx, client, chain.ClientConfig{Locker: lockerAddr, Token: tokenAddr})
	if err != nil {
		client.Close()
		return nil, err
	}
	return &chainBackend{
		verifier: chain.NewWaiter(verifier, cfg.PollInterval.Duration, cfg.VerifyTimeout.Duration),
		locks:    reader,
		close:    client.Close,
	}, nil
}

func openNative(cfg config.NativeConfig, chainCfg config.ChainConfig, logger *slog.Logger) (*chainBackend, error) {
	path := cfg.DataDir
	if cfg.Driver == "memory" {
		path = ""
	}
	db, err := storage.Open(cfg.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open ledger storage: %w", err)
	}
	engine := locker.NewEngine(db)
	engine.SetEmitter(logEmitter{logger: logger.With("component", "locker")})
	if cfg.Operator != "" {
		operator, _ := crypto.ParseAddress(cfg.Operator)
		engine.SetOperator(operator)
	}
	if err := applyGenesis(engine, cfg.Genesis); err != nil {
		db.Close()
		return nil, err
	}
	ledger := chain.NewLedgerVerifier(engine)
	return &chainBackend{
		verifier: chain.NewWaiter(ledger, chainCfg.PollInterval.Duration, chainCfg.VerifyTimeout.Duration),
		locks:    chain.NewLedgerReader(engine),
		engine:   engine,
		close:    db.Close,
	}, nil
}

// applyGenesis mints the configured allocations into an empty ledger.
func applyGenesis(engine *locker.Engine, allocations []config.Allocation) error {
	supply, err := engine.TotalSupply()
	if err != nil {
		return fmt.Errorf("read supply: %w", err)
	}
	if !supply.IsZero() {
		return nil
	}
	for _, alloc := range allocations {
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return err
		}
		parsed, err := types.ParseFixed(alloc.Amount, locker.Decimals)
		if err != nil {
			return err
		}
		amount, overflow := uint256.FromBig(parsed)
		if overflow {
			return fmt.Errorf("genesis amount for %s overflows", addr.Hex())
		}
		if err := engine.Mint(addr, amount); err != nil {
			return fmt.Errorf("mint genesis for %s: %w", addr.Hex(), err)
		}
	}
	return nil
}

// logEmitter writes ledger events to the service log.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	keys := make([]string, 0, len(payload.Attributes))
	for key := range payload.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys)+1)
	attrs = append(attrs, slog.String("event", payload.Type))
	for _, key := range keys {
		attrs = append(attrs, logging.MaskField(key, payload.Attributes[key]))
	}
	e.logger.Info("ledger event", attrs...)
}
