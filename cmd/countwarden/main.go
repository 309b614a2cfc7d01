package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"countwarden/internal/analytics"
	"countwarden/internal/bot"
	"countwarden/internal/cache"
	"countwarden/internal/config"
	"countwarden/internal/feed"
	"countwarden/internal/modules/audit"
	"countwarden/internal/storage"

	"go.uber.org/zap"
)

const feedRefreshInterval = 6 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer startCancel()
	if err := store.Migrate(startCtx); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	fetcher := feed.NewFetcher(cfg.Feed.URL, time.Duration(cfg.Feed.TimeoutSeconds)*time.Second, time.Duration(cfg.Feed.MaxRetrySeconds)*time.Second, logger.Named("feed"))
	domains, err := fetcher.FetchDomainList(startCtx)
	if err != nil {
		logger.Fatal("phishing domain list unavailable", zap.String("url", cfg.Feed.URL), zap.Error(err))
	}
	domainSet := feed.NewSet(domains)
	logger.Info("phishing domain list loaded", zap.Int("domains", domainSet.Len()))

	guildCache := cache.New(store)
	warmed, err := guildCache.Warm(startCtx)
	if err != nil {
		logger.Fatal("cache warm-up failed", zap.Error(err))
	}
	logger.Info("guild cache warmed", zap.Int("guilds", warmed))

	auditLogger := audit.NewLogger(store, logger)
	analyticsService := analytics.New(store)

	botSvc, err := bot.New(cfg, logger, store, guildCache, domainSet, auditLogger, analyticsService)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}

	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	defer refreshCancel()
	go refreshDomains(refreshCtx, fetcher, domainSet, logger)

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("database unavailable"))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	refreshCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(ctx)
	}
	botSvc.Close(ctx)
}

// refreshDomains swaps in a fresh domain list periodically. A failed refresh
// keeps the previous list.
func refreshDomains(ctx context.Context, fetcher *feed.Fetcher, set *feed.Set, logger *zap.Logger) {
	ticker := time.NewTicker(feedRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		domains, err := fetcher.FetchDomainList(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("phishing domain refresh failed", zap.Error(err))
			}
			continue
		}
		set.Replace(domains)
		logger.Info("phishing domain list refreshed", zap.Int("domains", set.Len()))
	}
}
