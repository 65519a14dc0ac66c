package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arb-market/internal/auth"
	"arb-market/internal/cache"
	"arb-market/internal/chain"
	"arb-market/internal/collectors"
	"arb-market/internal/config"
	grpcServer "arb-market/internal/grpc"
	"arb-market/internal/pubsub"
	"arb-market/internal/repository"
	"arb-market/internal/secrets"
	"arb-market/internal/server"
	"arb-market/internal/services/aggregator"
	"arb-market/internal/services/arbitrage"
	"arb-market/internal/services/spread"
	"arb-market/internal/services/symbols"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:   "arb-market",
		Short: "Cross-exchange arbitrage market data and execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("http-port", 0, "HTTP port")
	rootCmd.PersistentFlags().Int("grpc-port", 0, "gRPC port")
	bindFlag(v, rootCmd, "logging.level", "log-level")
	bindFlag(v, rootCmd, "server.http_port", "http-port")
	bindFlag(v, rootCmd, "server.grpc_port", "grpc-port")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run collectors, the arbitrage bot and the HTTP/gRPC servers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(v)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the record store tables",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(v)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bindFlag lets a flag override the config key only when it was set
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// loadConfig reads config, pulls secrets when enabled and validates
func loadConfig(ctx context.Context, v *viper.Viper) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)

	if cfg.GCP.UseSecrets {
		sm, err := secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, logger)
		if err != nil {
			return nil, nil, err
		}
		defer sm.Close()

		required := []secrets.Required{{Name: cfg.GCP.JWTSecretName, Target: &cfg.Auth.JWTSecret}}
		if cfg.Chain.Enabled {
			required = append(required, secrets.Required{Name: cfg.GCP.ChainKeyName, Target: &cfg.Chain.PrivateKey})
		}
		if err := secrets.LoadRequired(ctx, sm, logger, required...); err != nil {
			return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (repository.Store, error) {
	switch cfg.Database.Driver {
	case "clickhouse":
		return repository.OpenClickHouse(ctx, cfg.Database.URL, logger)
	default:
		return repository.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.URL, logger)
	}
}

func runMigrate(v *viper.Viper) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, logger, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.WithField("driver", cfg.Database.Driver).Info("Record store migrated")
	return nil
}

// buildChainWriter returns the on-chain writer, or a disabled one that fails
// every write when chain recording is off.
func buildChainWriter(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (arbitrage.ChainWriter, func(), error) {
	if !cfg.Chain.Enabled {
		logger.Warn("Chain recording disabled; opportunities will be marked FAILED")
		return chain.DisabledWriter{}, func() {}, nil
	}

	audit, err := chain.NewAuditLogger(cfg.Chain.AuditLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	writer, err := chain.Dial(ctx, chain.Config{
		RPCURL:          cfg.Chain.RPCURL,
		ChainID:         cfg.Chain.ChainID,
		ContractAddress: cfg.Chain.ContractAddress,
		PrivateKey:      cfg.Chain.PrivateKey,
	}, audit)
	if err != nil {
		_ = audit.Sync()
		return nil, nil, err
	}

	logger.WithFields(logrus.Fields{
		"contract": cfg.Chain.ContractAddress,
		"from":     writer.From().Hex(),
	}).Info("Chain writer ready")
	return writer, func() { _ = audit.Sync() }, nil
}

func runServe(v *viper.Viper) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, logger, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	logger.WithField("environment", cfg.Server.Environment).Info("Starting arb-market...")

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	// Record store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	writer, flushAudit, err := buildChainWriter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer flushAudit()

	mapping, err := symbols.LoadMappingWithFallback(cfg.Exchange.MappingFile)
	if err != nil {
		return err
	}
	mapper := symbols.NewMapper(cfg.Exchange.Symbols, mapping)
	feeRates := mapper.FeeRates()

	// Ingestion: collectors -> aggregators -> store
	tickerStore := cache.NewTickerStore(redisClient, cfg.Ticker.TTL, cfg.Ticker.MaxAge, logger)
	defer tickerStore.Close()

	registry := aggregator.NewRegistry(tickerStore, logger)
	defer registry.Close()

	limits := aggregator.NewRateLimiterManager()
	for _, ex := range cfg.Exchange.Exchanges {
		limits.RegisterExchange(ex, cfg.Exchange.ConnectRPS, cfg.Exchange.ConnectBurst)
	}

	supervisor, err := collectors.NewSupervisor(cfg, collectors.Options{
		Sink:   registry,
		Mapper: mapper,
		Limits: limits,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start collectors: %w", err)
	}
	defer supervisor.Stop()

	// Distribution and detection
	subscriptions := pubsub.NewSubscriptionManager(redisClient, logger)
	defer subscriptions.Close()

	status := arbitrage.NewStatusService(logger)
	history := spread.NewHistory(redisClient, logger)

	bot := arbitrage.NewOrchestrator(arbitrage.Dependencies{
		Snapshots: tickerStore,
		Updates:   subscriptions,
		Store:     store,
		Chain:     writer,
		Spreads:   history,
		Status:    status,
	}, arbitrage.Options{
		Exchanges:        cfg.Exchange.Exchanges,
		Symbols:          mapper.CanonicalSymbols(),
		FeeRates:         feeRates,
		TradeAmount:      cfg.Arbitrage.TradeAmount,
		MinProfitPercent: cfg.Arbitrage.MinProfitPercent,
		MinProfit:        cfg.Arbitrage.MinProfitThreshold,
		Cooldown:         cfg.Arbitrage.Cooldown,
		SimulationUSD:    cfg.Arbitrage.SimulationUSD,
		ToUser:           mapper.ToUser,
	}, logger)

	if cfg.Arbitrage.AutoStart {
		if err := bot.Start(ctx); err != nil {
			return fmt.Errorf("failed to start arbitrage bot: %w", err)
		}
	}

	// Servers
	httpSrv := server.New(server.Dependencies{
		Snapshots:  tickerStore,
		Updates:    subscriptions,
		Mapper:     mapper,
		Status:     status,
		Bot:        bot,
		Records:    store,
		Spreads:    history,
		Collectors: supervisor,
		Limits:     limits,
		Gate: auth.NewGate(auth.Options{
			Enabled:           cfg.Auth.Enabled,
			JWTSecret:         cfg.Auth.JWTSecret,
			AdminRole:         cfg.Auth.AdminRole,
			OperatorKeyHashes: cfg.Auth.OperatorKeyHashes,
		}),
	}, server.Options{
		Port:        cfg.Server.HTTPPort,
		Environment: cfg.Server.Environment,
		CORSOrigin:  cfg.Server.CORSOrigin,
		Exchanges:   cfg.Exchange.Exchanges,
		FeeRates:    feeRates,
		TradeAmount: cfg.Arbitrage.TradeAmount,
		MinProfit:   cfg.Arbitrage.MinProfitPercent,
		Debounce:    cfg.Stream.Debounce,
	}, logger)

	grpcSrv := grpcServer.NewServer(cfg.Server.GRPCPort, supervisor, logger)

	errChan := make(chan error, 2)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- err
		}
	}()

	logger.Infof("arb-market v%s started (http :%d, grpc :%d)", version, cfg.Server.HTTPPort, cfg.Server.GRPCPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case runErr = <-errChan:
		logger.WithError(runErr).Error("Server error")
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown")
	}
	grpcSrv.Stop()

	bot.Stop()
	bot.Wait()

	logger.Info("Shutdown complete")
	return runErr
}
