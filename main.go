package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/zarlabs/zar/internals/attribution"
	"github.com/zarlabs/zar/internals/catalog"
	"github.com/zarlabs/zar/internals/config"
	"github.com/zarlabs/zar/internals/database"
	"github.com/zarlabs/zar/internals/events"
	"github.com/zarlabs/zar/internals/geo"
	"github.com/zarlabs/zar/internals/identity"
	"github.com/zarlabs/zar/internals/kvstore"
	"github.com/zarlabs/zar/internals/monitoring"
	"github.com/zarlabs/zar/internals/numberpool"
	"github.com/zarlabs/zar/internals/server"
	"github.com/zarlabs/zar/internals/userctx"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()
	notifier := monitoring.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, logger)

	var recorder events.Recorder
	var catalogReader catalog.Reader
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("could not connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		recorder = events.NewPostgresRecorder(db)
		catalogReader = catalog.NewPostgresReader(db)
	} else if cfg.Debug {
		logger.Warn("no database configured, events will only be logged")
		recorder = events.NewLogRecorder(logger)
		catalogReader = catalog.StaticReader{}
	} else {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	var (
		engine   *numberpool.Engine
		resolver *attribution.Resolver
		users    *userctx.Store
	)
	if cfg.PoolEnabled {
		store, err := kvstore.Connect(ctx, kvstore.Options{
			Addr:         cfg.RedisAddr(),
			Password:     cfg.RedisPassword,
			ConnectTries: cfg.ConnectTries,
		}, logger)
		if err != nil {
			logger.Error("number pool store unavailable", "error", err)
			notifier.Critical("pool store unavailable", err.Error())
			os.Exit(1)
		}
		defer store.Close()

		selector, err := geo.NewSelector(cfg.CriteriaFile, cfg.SourceParam, cfg.BingSources)
		if err != nil {
			logger.Warn("area code criteria not loaded, area-code pools disabled", "error", err)
		}
		distancer, err := geo.NewDistancer(cfg.GeoFile)
		if err != nil {
			logger.Warn("geo table not loaded, distances disabled", "error", err)
		}

		engine = numberpool.New(store, catalogReader, selector, logger, numberpool.Config{
			CacheExpiration: cfg.CacheExpiration,
			MaxRenewalAge:   cfg.MaxRenewalAge,
			RouteCacheTTL:   cfg.RouteCacheTTL,
			LockWaitTimeout: cfg.LockWaitTimeout,
			LockHoldTimeout: cfg.LockHoldTimeout,
			InitLockWait:    cfg.InitLockWait,
		})
		if _, err := engine.InitPools(ctx); err != nil {
			logger.Error("pool init failed", "error", err)
			notifier.Critical("pool init failed", err.Error())
		}

		users = userctx.New(store, logger, cfg.UserContextTTL, cfg.IgnoredCallerIDs)
		resolver = attribution.New(engine, users, distancer, logger, "Zip")
	} else {
		logger.Info("number pool disabled")
	}

	ids := identity.New(logger, cfg.SessionResetParam)
	srv, err := server.New(logger, cfg, engine, resolver, users, ids, recorder, notifier)
	if err != nil {
		logger.Error("could not create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
