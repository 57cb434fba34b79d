package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"pricefeed/config"
	"pricefeed/internal/api"
	"pricefeed/internal/feed/candles"
	"pricefeed/internal/feed/clock"
	"pricefeed/internal/feed/coordinator"
	"pricefeed/internal/feed/fallback"
	"pricefeed/internal/feed/hub"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/mirror"
	"pricefeed/internal/feed/stream"
	"pricefeed/logger"
	"pricefeed/pkg/binance"
	"pricefeed/pkg/storage/postgres"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("pricefeed failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	clk := clock.Real()

	restClient := binance.NewRESTClient(cfg.Binance.REST.BaseURL, cfg.Feed.QuoteAsset, cfg.Binance.REST.Timeout)
	dialer := binance.NewWSDialer(cfg.Binance.WS.URL, cfg.Feed.QuoteAsset, cfg.Binance.WS.HandshakeTimeout, log)
	generator := fallback.NewGenerator(cfg.Feed.FallbackSeed, clk)

	updates := hub.New(log)
	manager := stream.NewManager(dialer, updates, clk, log, stream.Options{
		QuoteAsset:  cfg.Feed.QuoteAsset,
		BaseDelay:   cfg.Feed.Reconnect.BaseDelay,
		CapDelay:    cfg.Feed.Reconnect.CapDelay,
		MaxAttempts: cfg.Feed.Reconnect.MaxAttempts,
	})

	feed := coordinator.New(restClient, manager, updates, generator, clk, log, coordinator.Options{
		StartDelay:           cfg.Feed.StartDelay,
		HealthInterval:       cfg.Feed.HealthInterval,
		PollInterval:         cfg.Feed.PollInterval,
		FetchTimeout:         cfg.Binance.REST.Timeout,
		RateLimitDelay:       cfg.Feed.RateLimit.RetryDelay,
		RateLimitMaxDelay:    cfg.Feed.RateLimit.MaxDelay,
		RateLimitMaxAttempts: cfg.Feed.RateLimit.MaxAttempts,
	})

	// Postgres candle archive (optional)
	var (
		archive  candles.Archive
		archiver backgroundJob
	)
	if cfg.Postgres.Enabled {
		pg, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment, true)
		if err != nil {
			return fmt.Errorf("failed to connect to DB: %w", err)
		}
		defer pg.Close()
		archive = pg

		archiver = &candles.Archiver{
			Source:      restClient,
			Archive:     pg,
			Symbols:     feed.Symbols,
			Intervals:   cfg.Candles.ArchiveIntervals,
			Limit:       cfg.Candles.ArchiveLimit,
			Concurrency: cfg.Candles.ArchiveConcurrency,
			Timeout:     cfg.Binance.REST.Timeout,
			Retention:   cfg.Candles.ArchiveRetention,
			Clock:       clk,
			Logger:      log,
		}
	}
	candleService := candles.NewService(restClient, memorystore.NewCandleStore(cfg.Candles.MaxCached), archive, generator, clk, log)

	// Redis mirror (optional)
	var mirrorReader api.MirrorReader
	if cfg.Redis.Enabled {
		rdb, err := mirror.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("redis unavailable, continuing without mirror", zap.Error(err))
		} else {
			defer rdb.Close()
			m := mirror.New(rdb, cfg.Redis.TTL, cfg.Redis.QueueSize, log)
			go m.Run(ctx)
			handle := updates.Subscribe(m)
			defer updates.Unsubscribe(handle)
			mirrorReader = m
		}
	}

	if cfg.Log.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(feed, candleService, updates, manager, mirrorReader, log, api.Options{
		DefaultLimit: cfg.Candles.DefaultLimit,
		DefaultSMA:   cfg.Candles.SMAPeriods,
		Provider:     restClient,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := startFeed(ctx, feed, archiver, cfg.Feed.Symbols); err != nil {
		return err
	}
	defer feed.Stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type feedStarter interface {
	Start(ctx context.Context, symbols []string) error
}

type backgroundJob interface {
	Start(ctx context.Context)
}

// startFeed starts the coordinator and then the archiver, which reads the
// coordinator's symbols. archiver may be nil.
func startFeed(ctx context.Context, feed feedStarter, archiver backgroundJob, symbols []string) error {
	if err := feed.Start(ctx, symbols); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	if archiver != nil {
		archiver.Start(ctx)
	}
	return nil
}
