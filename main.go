package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pricewatch/api"
	"pricewatch/config"
	"pricewatch/httputil"
	"pricewatch/logging"
	"pricewatch/scheduler"
	"pricewatch/scraper"
	"pricewatch/services"
	"pricewatch/storage"
)

var (
	scrapeNow = flag.Bool("scrape", false, "Run one ingestion cycle for every term and exit")
	termFlag  = flag.String("term", "", "Restrict -scrape/-rebuild to a single search term")
	rebuild   = flag.Bool("rebuild", false, "Rebuild item states from the snapshot log and exit")
	serve     = flag.Bool("serve", true, "Serve the HTTP API while the daemon runs")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *termFlag != "" {
		cfg.AddTerm(*termFlag)
	}

	logger, logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("pricewatch exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting pricewatch...", zap.Strings("terms", cfg.TermNames()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client := httputil.NewCatalogClient(&cfg.Catalog)
	if cfg.Catalog.ProxyURL != "" {
		logger.Info("Using proxy", zap.String("proxy", maskConnectionString(cfg.Catalog.ProxyURL)))
	}
	router := scraper.NewTermRouter(cfg, client, logger)

	ingester := services.NewIngester(cfg, router, store, logger)
	dashboard := services.NewDashboard(store, cfg.Aggregate, logger)

	if cfg.S3.Bucket != "" {
		archiver, err := storage.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("s3 archiver: %w", err)
		}
		ingester.SetArchiver(archiver)
		logger.Info("Archiving snapshots to S3", zap.String("bucket", cfg.S3.Bucket))
	}

	if cfg.Redis.Addr != "" {
		cache, err := storage.NewRedisCache(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, dashboard cache disabled", zap.Error(err))
		} else {
			defer cache.Close()
			ingester.SetCache(cache)
			dashboard.SetCache(cache)
		}
	}

	terms := cfg.TermNames()
	if *termFlag != "" {
		terms = []string{strings.TrimSpace(*termFlag)}
	}

	// One-shot commands
	if *rebuild {
		for _, term := range terms {
			report, err := ingester.Rebuild(ctx, term)
			if err != nil {
				return fmt.Errorf("rebuild %q: %w", term, err)
			}
			logger.Info("Rebuild complete",
				zap.String("term", term),
				zap.Int("snapshots", report.Snapshots),
				zap.Int("items", report.Items))
		}
		return nil
	}
	if *scrapeNow {
		logger.Info("Running ingestion...", zap.Strings("terms", terms))
		if err := ingester.RunAll(ctx, terms); err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		logger.Info("Ingestion complete!")
		return nil
	}

	// Daemon mode
	sched := scheduler.New(cfg, ingester, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	errCh := make(chan error, 1)
	var srv *api.Server
	if *serve {
		srv = api.New(cfg.HTTPAddr, api.Deps{
			Ingestion: ingester,
			Dashboard: dashboard,
			History:   store,
			Logger:    logger,
			StartTime: time.Now(),
		})
		go func() { errCh <- srv.Start() }()
	}

	logger.Info("Daemon running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("Shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	sched.Stop()
	logger.Info("Goodbye!")
	return nil
}

// openStore uses Postgres when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.DBURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("connect to Postgres: %w", err)
		}
		logger.Info("Connected to Postgres", zap.String("dsn", maskConnectionString(cfg.DBURL)))
		return pg, nil
	}

	lite, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open SQLite: %w", err)
	}
	logger.Info("SQLite database", zap.String("path", cfg.DBPath))
	return lite, nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	atIdx := strings.IndexByte(connStr[start:], '@')
	if atIdx < 0 {
		return connStr
	}
	atIdx += start

	// Find : after user
	colonIdx := strings.IndexByte(connStr[start:atIdx], ':')
	if colonIdx < 0 {
		return connStr
	}
	colonIdx += start

	return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
}
