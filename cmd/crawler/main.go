package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/api"
	"github.com/user/crawlchain/internal/config"
	"github.com/user/crawlchain/internal/crawler"
	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/downloader"
	"github.com/user/crawlchain/internal/item"
	"github.com/user/crawlchain/internal/middleware"
	"github.com/user/crawlchain/internal/monitoring"
	"github.com/user/crawlchain/internal/proxy"
	"github.com/user/crawlchain/internal/storage"
	"github.com/user/crawlchain/internal/transport"
	"github.com/user/crawlchain/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a .env file (default .env)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Initialize Storage Layer
	pgStore, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStore.Close()
	if err := pgStore.Migrate(ctx); err != nil {
		log.Fatal("failed to apply schema", zap.Error(err))
	}
	redisStore := storage.NewRedisStore(cfg.RedisAddr, cfg.HTTPCacheTTL)
	defer redisStore.Close()

	// Initialize Monitoring, Proxies
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	proxyManager := proxy.NewManager(cfg.Proxies, cfg.UserAgents)

	spider := &domain.Spider{Name: cfg.SpiderName, AllowedDomains: cfg.AllowedDomains}

	// Downloader middleware chain
	opts := middleware.Options{
		DefaultHeaders:   cfg.DefaultHeaders,
		Agents:           proxyManager,
		DownloadTimeout:  cfg.DownloadTimeout,
		ThrottleRate:     cfg.ThrottleRate,
		ThrottleBurst:    cfg.ThrottleBurst,
		RedirectMaxTimes: cfg.RedirectMaxTimes,
		MetaRefreshMax:   cfg.MetaRefreshMax,
		MaxBodySize:      cfg.MaxBodyBytes,
		Metrics:          metrics,
		Logger:           log.Named("middleware"),
	}
	if len(cfg.Proxies) > 0 {
		opts.Proxies = proxyManager
	}
	if cfg.RobotsObey {
		opts.Robots = middleware.NewRobots(nil, cfg.SpiderName, cfg.RobotsCacheTTL, log.Named("robots"))
	}
	if cfg.HTTPCacheEnabled {
		opts.Cache = redisStore
	}
	dl, err := downloader.NewManager(middleware.Defaults(opts), log.Named("downloader"))
	if err != nil {
		log.Fatal("invalid middleware chain", zap.Error(err))
	}
	if err := dl.Open(ctx, spider); err != nil {
		log.Fatal("failed to open downloader middlewares", zap.Error(err))
	}
	log.Info("downloader ready", zap.Strings("middlewares", dl.Names()))

	// Item pipeline
	items, err := item.NewManager(log.Named("items"), metrics, item.NewValidate("url"), item.NewStore(pgStore))
	if err != nil {
		log.Fatal("invalid item pipeline", zap.Error(err))
	}
	if err := items.Open(ctx, spider); err != nil {
		log.Warn("item pipeline opened with failures", zap.Error(err))
	}

	// Transports
	httpTransport := transport.NewHTTP(transport.HTTPOptions{
		Timeout:      cfg.DownloadTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	var fetcher transport.Fetcher = httpTransport
	var chrome *transport.Chrome
	if cfg.RenderEnabled {
		chrome = transport.NewChrome(transport.ChromeOptions{
			Sessions:     cfg.RenderSessions,
			Timeout:      cfg.DownloadTimeout,
			MaxBodyBytes: cfg.MaxBodyBytes,
		}, log.Named("chrome"))
		fetcher = transport.NewComposite(httpTransport, chrome, log.Named("transport"))
	}

	// Initialize Core Crawler
	coreCrawler := crawler.NewCrawler(spider, crawler.Options{
		Workers:  cfg.CrawlWorkers,
		Timeout:  time.Duration(cfg.CrawlTimeout) * time.Second,
		DedupTTL: time.Duration(cfg.DeduplicationDays) * 24 * time.Hour,
		MaxDepth: cfg.MaxDepth,
	}, crawler.Deps{
		Downloader: dl,
		Transport:  transport.Async(fetcher),
		Items:      items,
		Tracker:    redisStore,
		Status:     pgStore,
		Metrics:    metrics,
		Logger:     log.Named("crawler"),
	})
	coreCrawler.Start()

	// Initialize API Server
	server := api.NewServer(cfg.ServerPort, api.Deps{
		Crawler: coreCrawler,
		Status:  pgStore,
		Health: map[string]api.Pinger{
			"postgres": pgStore,
			"redis":    redisStore,
		},
		Gatherer: prometheus.DefaultGatherer,
		Metrics:  metrics,
		Logger:   log.Named("api"),
	})

	// Graceful Shutdown
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("could not start server", zap.Error(err))
		}
	}()

	log.Info("server started", zap.String("port", cfg.ServerPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	coreCrawler.Stop()
	items.Close(shutdownCtx, spider)
	dl.Close(shutdownCtx, spider)
	if chrome != nil {
		chrome.Close()
	}

	log.Info("server exiting")
}
