package subsidyd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"subsidychain/observability"
	"subsidychain/observability/logging"
	telemetry "subsidychain/observability/otel"
	"subsidychain/services/subsidyd/accounts"
	"subsidychain/services/subsidyd/coordinator"
	"subsidychain/services/subsidyd/ledger"
	"subsidychain/services/subsidyd/recon"
	"subsidychain/services/subsidyd/server"
	"subsidychain/services/subsidyd/store"
)

// Main initialises and runs the subsidy daemon. keyPrompt, when non-nil, is used to
// read the ledger signing key if the configuration asks for an interactive prompt.
func Main(keyPrompt func() (string, error)) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to subsidyd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "subsidyd",
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("subsidyd", cfg.Env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.Database.URL, store.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		return err
	}
	st := store.New(db)
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	logger.Info("Connected to database")

	metrics := observability.Subsidyd()

	if cfg.NeedsKeyPrompt() && keyPrompt != nil {
		key, err := keyPrompt()
		if err != nil {
			return fmt.Errorf("read signing key: %w", err)
		}
		cfg.Ledger.PrivateKey = key
	}

	var (
		ledgerClient ledger.Client
		ledgerReader ledger.Reader
	)
	if cfg.LedgerEnabled() {
		evm, err := connectLedger(cfg.Ledger, logger, metrics)
		if err != nil {
			return err
		}
		ledgerClient = evm
		ledgerReader = evm
		logger.Info("Connected to subsidy contract",
			slog.String("contract", evm.ContractAddress().Hex()),
			slog.String("signer", evm.From().Hex()))
	} else {
		logger.Warn("Blockchain environment variables not set. Running in offline mode.")
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:                   st,
		Ledger:                  ledgerClient,
		Hasher:                  accounts.Hasher{Cost: cfg.Coordinator.PasswordCost},
		DefaultPassword:         cfg.Coordinator.DefaultPassword,
		MaxPendingRegistrations: cfg.Coordinator.MaxPendingRegistrations,
		LedgerTimeout:           cfg.Ledger.ConfirmTimeout.Duration + 30*time.Second,
		Logger:                  logger,
		Metrics:                 metrics,
	})
	if err != nil {
		return err
	}

	secret, err := cfg.Auth.sessionSecret()
	if err != nil {
		return err
	}
	if cfg.Auth.TokenSecret == "" {
		logger.Warn("No token secret configured; session tokens will not survive a restart")
	}
	tokens, err := accounts.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return err
	}
	accountSvc := accounts.NewService(st, accounts.Hasher{Cost: cfg.Coordinator.PasswordCost}, tokens, logger)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvCfg := server.Config{
		Coordinator:     coord,
		Accounts:        accountSvc,
		Store:           st,
		ContractAddress: cfg.Ledger.ContractAddress,
		RequireAuth:     cfg.Auth.Enabled,
		LedgerRateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	}
	if ledgerReader != nil {
		reconciler, err := recon.NewReconciler(recon.Config{
			Source:    st,
			Ledger:    ledgerReader,
			OutputDir: cfg.Recon.OutputDir,
			DryRun:    cfg.Recon.DryRun,
			Metrics:   metrics,
			Logger:    logger,
			Alert: func(_ context.Context, anomaly recon.Anomaly) error {
				logger.Warn("reconciliation anomaly",
					slog.String("type", anomaly.Type),
					slog.Uint64("vendor_id", uint64(anomaly.VendorID)),
					slog.String("wallet", anomaly.Wallet),
					slog.String("details", anomaly.Details))
				return nil
			},
		})
		if err != nil {
			return err
		}
		srvCfg.Reconciler = reconciler
		if cfg.Recon.Enabled {
			scheduler := recon.NewScheduler(recon.SchedulerConfig{
				Reconciler: reconciler,
				RunHour:    cfg.Recon.RunHour,
				RunMinute:  cfg.Recon.RunMinute,
				Logger:     logger,
			})
			go scheduler.Start(stopCtx)
		}
	}

	api := server.New(srvCfg)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Handler(), "subsidyd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// registrations wait for ledger confirmation
		WriteTimeout: cfg.Ledger.ConfirmTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Server running", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func connectLedger(cfg LedgerConfig, logger *slog.Logger, metrics *observability.SubsidydMetrics) (*ledger.EVMClient, error) {
	key, err := ledger.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	backend, err := ledger.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	client, err := ledger.NewEVMClient(ctx, backend, key, ledger.Config{
		Contract:       common.HexToAddress(cfg.ContractAddress),
		ChainID:        chainID,
		Confirmations:  cfg.Confirmations,
		PollInterval:   cfg.PollInterval.Duration,
		ConfirmTimeout: cfg.ConfirmTimeout.Duration,
		GasLimit:       cfg.GasLimit,
	}, logger, metrics)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return client, nil
}
