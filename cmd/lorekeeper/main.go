package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lorekeeper/internal/audio"
	"lorekeeper/internal/chat"
	"lorekeeper/internal/config"
	"lorekeeper/internal/dm"
	"lorekeeper/internal/kv"
	"lorekeeper/internal/metrics"
	"lorekeeper/internal/remote"
	"lorekeeper/internal/server"
	"lorekeeper/internal/session"
	"lorekeeper/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("kv_driver", cfg.KV.Driver).
		Str("listen_addr", cfg.Server.ListenAddr).
		Msg("starting lorekeeper")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := kv.NewRegistry(buildBackend(cfg), log.Logger)
	registry.Init(ctx)
	defer registry.Close()
	if registry.Degraded() {
		log.Warn().Msg("running with in-memory storage only")
	}

	m := metrics.Global()

	var history dm.HistorySource
	if cfg.Remote.DSN != "" {
		h, err := remote.Open(ctx, cfg.Remote.Driver, cfg.Remote.DSN, cfg.Remote.Table)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect remote history db")
		}
		defer h.Close()
		history = h
	}

	if cfg.Audio.CacheDir != "" {
		if err := os.MkdirAll(cfg.Audio.CacheDir, 0o700); err != nil {
			log.Fatal().Err(err).Msg("failed to create audio cache dir")
		}
	}

	cache := audio.New(audio.Config{
		Blobs:   registry.Store(ctx, "audio"),
		Meta:    registry.Store(ctx, "audio_meta"),
		Dir:     cfg.Audio.CacheDir,
		Client:  &http.Client{Timeout: cfg.Audio.FetchTimeout},
		Retries: cfg.Audio.MaxRetries,
		Backoff: cfg.Audio.Backoff,
		Logger:  log.Logger,
		Metrics: m,
	})

	service := dm.New(dm.Config{
		Sessions: session.NewStore(registry.Store(ctx, "session")),
		History:  chat.NewStore(registry.Store(ctx, "chat")),
		Cache:    cache,
		Webhook: webhook.New(webhook.Config{
			URL:        cfg.Webhook.URL,
			HTTPClient: &http.Client{Timeout: cfg.Webhook.Timeout},
			MaxRetries: cfg.Webhook.MaxRetries,
			Backoff:    cfg.Webhook.Backoff,
			Logger:     log.Logger,
			Metrics:    m,
		}),
		Remote:  history,
		Logger:  log.Logger,
		Metrics: m,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	server.NewService(server.Config{
		DM:          service,
		Cache:       cache,
		AudioMaxAge: cfg.Audio.MaxAge,
		Logger:      log.Logger,
	}).Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go vacuumLoop(ctx, cache, cfg.Audio.MaxAge, cfg.Audio.VacuumInterval)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func buildBackend(cfg *config.Config) kv.Backend {
	switch cfg.KV.Driver {
	case config.DriverRedis:
		return kv.NewRedisBackend(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.AppName)
	case config.DriverMemory:
		return kv.NewMemoryBackend()
	default:
		return kv.NewSQLBackend(cfg.KV.Driver, cfg.KV.DSN, cfg.KV.AutoMigrate, "migrations")
	}
}

// vacuumLoop evicts stale audio cache entries on a fixed interval until the
// process shuts down.
func vacuumLoop(ctx context.Context, cache *audio.Cache, maxAge, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cache.Vacuum(ctx, maxAge)
			if err != nil {
				log.Error().Err(err).Msg("audio vacuum failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("audio cache vacuumed")
			}
		}
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
