/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine: wallet ledger, invoice
  settlement, top-ups and withdrawals, the gateway webhook and the
  background sweeper. Handles configuration, wiring and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags over environment, see config/)
  2. Build the zap logger
  3. Open the SQLite store
  4. Pick the customer lock (Redis or in-process)
  5. Pick the event publisher (Kafka or log)
  6. Pick the gateway (Tripay or simulator) and seed the channel catalog
  7. Wire services, callback router, sweeper and HTTP handler
  8. Run the HTTP server and the sweeper until a signal arrives

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush the publisher and close the store

EXAMPLES:
  # Simulator gateway, in-memory database, demo scenarios enabled
  ./server -db=":memory:" -dev

  # Tripay sandbox with a shared Redis lock
  TRIPAY_API_KEY=... TRIPAY_PRIVATE_KEY=... TRIPAY_MERCHANT_CODE=T1234 \
    REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/payment"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/store/redislock"
	"github.com/warp/settlement-engine/store/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Customer lock
	var locker core.Locker
	if cfg.RedisAddr != "" {
		client, err := redislock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = redislock.New(client, redislock.WithLogger(logger))
		logger.Info("customer lock: redis", zap.String("addr", cfg.RedisAddr))
	}
	ledger := core.NewLedger(store, locker)

	// Events
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer publisher.Close()

	// Gateway and catalog
	var gateway payment.Gateway
	if cfg.UseSimulator() {
		gateway = payment.NewSimulator()
		logger.Warn("gateway: simulator (no Tripay credentials)")
	} else {
		gateway = payment.NewTripayClient(payment.TripayConfig{
			BaseURL:      cfg.TripayBaseURL,
			APIKey:       cfg.TripayAPIKey,
			PrivateKey:   cfg.TripayPrivateKey,
			MerchantCode: cfg.TripayMerchantCode,
			Timeout:      cfg.GatewayTimeout,
		}, logger)
		logger.Info("gateway: tripay", zap.String("base_url", cfg.TripayBaseURL))
	}

	catalog := payment.NewCatalog(store, gateway, logger)
	if err := seedCatalog(ctx, catalog, cfg.ChannelsFile, logger); err != nil {
		return err
	}

	// Services
	incidents := payment.NewIncidentRecorder(store, publisher, logger)
	billingSvc := billing.NewService(billing.Deps{
		Store:     store,
		Ledger:    ledger,
		Methods:   catalog,
		Gateway:   gateway,
		Incidents: incidents,
		Publisher: publisher,
		Logger:    logger,
	}, billing.Config{
		CallbackURL:    cfg.CallbackURL,
		ReturnURL:      cfg.ReturnURL,
		GatewayTimeout: cfg.GatewayTimeout,
		TransactionTTL: cfg.TransactionTTL,
	})
	worker := reconcile.NewWorker(reconcile.Deps{
		Store:     store,
		Ledger:    ledger,
		Methods:   catalog,
		Gateway:   gateway,
		Incidents: incidents,
		Publisher: publisher,
		Logger:    logger,
	}, reconcile.Config{
		CallbackURL:    cfg.CallbackURL,
		ReturnURL:      cfg.ReturnURL,
		GatewayTimeout: cfg.GatewayTimeout,
		TransactionTTL: cfg.TransactionTTL,
		MinNominal:     cfg.MinNominal,
	})

	callbacks := payment.NewCallbackRouter(store, incidents, logger)
	callbacks.Handle(core.PurposeInvoice, billingSvc)
	callbacks.Handle(core.PurposeTopup, worker)

	sweeper := reconcile.NewSweeper(store, gateway, callbacks, logger, reconcile.SweeperConfig{
		Interval: cfg.SweepInterval,
		Grace:    cfg.SweepGrace,
		GiveUp:   cfg.SweepGiveUp,
	})

	// HTTP
	handler := api.NewHandler(api.Deps{
		Store:       store,
		Ledger:      ledger,
		Billing:     billingSvc,
		Requests:    worker,
		Catalog:     catalog,
		Callbacks:   callbacks,
		Sweeper:     sweeper,
		CallbackKey: cfg.CallbackKey(),
		Logger:      logger,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, logger, api.RouterOptions{Scenarios: cfg.Development}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.GatewayTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// seedCatalog loads the channel file, if any, then syncs from the gateway.
// A failed sync is not fatal when the store already holds channels.
func seedCatalog(ctx context.Context, catalog *payment.Catalog, path string, logger *zap.Logger) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read channels: %w", err)
		}
		methods, err := factory.NewChannelFactory().ParseChannels(data)
		if err != nil {
			return fmt.Errorf("parse channels %s: %w", path, err)
		}
		if err := catalog.Seed(ctx, methods); err != nil {
			return err
		}
		logger.Info("payment channels seeded", zap.String("file", path), zap.Int("count", len(methods)))
	}

	if _, err := catalog.Sync(ctx); err != nil {
		methods, listErr := catalog.List(ctx)
		if listErr != nil || len(methods) == 0 {
			return fmt.Errorf("no payment channels: %w", err)
		}
		logger.Warn("payment channel sync failed, using stored channels", zap.Error(err))
	}
	return nil
}
