package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"farming-ledger/config"
	"farming-ledger/handlers"
	"farming-ledger/logging"
	"farming-ledger/messaging"
	"farming-ledger/middleware"
	"farming-ledger/services"
	"farming-ledger/store"
	"farming-ledger/utils"
	"farming-ledger/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.uber.org/zap"
)

func main() {
	cfg, loadedDotEnv, err := config.Load()
	if err != nil {
		// logger is not configured yet
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logging.New(cfg.Production)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	if !loadedDotEnv {
		log.Info("no .env file found, reading environment variables directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close ledger store", zap.Error(err))
		}
	}()

	opts := services.Options{Config: cfg.Engine, Logger: log}

	if cfg.NATSURL != "" {
		pub, err := messaging.NewNATSPublisher(messaging.DefaultNATSConfig(cfg.NATSURL), log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer pub.Close()
		opts.Publisher = pub
	} else {
		log.Warn("NATS_URL not set, ledger events will not be published")
	}

	if cfg.R2Enabled() {
		archive, err := utils.NewR2Archive(ctx, utils.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessSecret,
			Bucket:          cfg.R2Bucket,
		})
		if err != nil {
			log.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		opts.Archive = archive
	}

	var sourceClient *workers.DepositSourceClient
	if cfg.DepositSourceURL != "" {
		sourceClient, err = workers.NewDepositSourceClient(cfg.DepositSourceURL, cfg.DepositSourceToken)
		if err != nil {
			log.Fatal("failed to configure deposit source", zap.Error(err))
		}
		opts.Source = sourceClient
	} else {
		log.Warn("DEPOSIT_SOURCE_URL not set, deposits are trusted as pre-verified")
	}

	engine, err := services.NewEngine(st, opts)
	if err != nil {
		log.Fatal("failed to build engine", zap.Error(err))
	}

	var lease services.TickLease
	if cfg.RedisURL != "" {
		redisLease, err := workers.NewRedisTickLease(cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to configure redis lease", zap.Error(err))
		}
		defer redisLease.Close()
		if err := redisLease.Ping(ctx); err != nil {
			log.Warn("redis unreachable, scheduled jobs will run without a lease", zap.Error(err))
		}
		lease = redisLease
	} else {
		log.Warn("REDIS_URL not set, every replica runs every scheduled job")
	}

	scheduler, err := services.NewScheduler(engine, lease, log)
	if err != nil {
		log.Fatal("failed to create scheduler", zap.Error(err))
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	if sourceClient != nil {
		poller := workers.NewDepositPoller(sourceClient, engine, cfg.DepositPollInterval, log)
		go poller.Run(ctx)
	}
	if cfg.ProfileSyncURL != "" {
		workers.NewUserSyncWorker(engine.Ledger, cfg.ProfileSyncURL, cfg.ProfileSyncToken, cfg.ProfileSyncInterval, log).Start(ctx)
	}

	app := fiber.New(fiber.Config{
		AppName:      "farming-ledger",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})
	if len(cfg.AllowedOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.AllowedOrigins, ","),
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, " + middleware.OperatorHeader,
			MaxAge:       86400,
		}))
	}
	app.Use(middleware.ServiceAuthMiddleware(cfg.ServiceToken, log, "/health", "/metrics"))
	handlers.SetupLedgerRoutes(app, engine, log)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	log.Info("ledger service running",
		zap.String("addr", cfg.ListenAddr),
		zap.String("store", cfg.StoreDriver),
		zap.Strings("cors_origins", cfg.AllowedOrigins))

	<-ctx.Done()
	log.Info("shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Warn("scheduler shutdown", zap.Error(err))
	}
	engine.Wait()
}

func openStore(cfg config.Config, log *zap.Logger) (store.LedgerStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		gs, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := gs.AutoMigrate(); err != nil {
			_ = gs.Close()
			return nil, err
		}
		log.Info("connected to postgres")
		return gs, nil
	case config.StoreDriverBolt:
		bs, err := store.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		log.Info("opened bolt store", zap.String("path", cfg.BoltPath))
		return bs, nil
	default:
		return nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}
}
