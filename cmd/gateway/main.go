package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/vxlgateway/internal/api"
	"github.com/org/vxlgateway/internal/audit"
	"github.com/org/vxlgateway/internal/config"
	"github.com/org/vxlgateway/internal/crypto"
	"github.com/org/vxlgateway/internal/metrics"
	"github.com/org/vxlgateway/internal/ratelimit"
	"github.com/org/vxlgateway/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfgFile := "config.yaml"
	if v := os.Getenv("GATEWAY_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := config.Load(cfgFile, os.Getenv)

	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, lerr := zerolog.ParseLevel(cfg.LogLevel)
	if lerr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err != nil {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("invalid configuration")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}
	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}

	ctx := context.Background()

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// Tokens and key hashes will not survive a restart.
		secret, err = crypto.RandomSecret(32)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate secret")
		}
		log.Warn().Msg("GATEWAY_SECRET not set, using an ephemeral development secret")
	}
	keys, err := crypto.DeriveKeys(secret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive keys")
	}

	// Connect to database
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	version, err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Uint("version", version).Msg("migrations applied")

	counter, closeCounter := newCounter(ctx, cfg)
	defer closeCounter()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	auditor := audit.NewLogger(log.Logger, m, 0, store,
		audit.NewStoreSink(store),
		audit.NewLogSink(log.Logger),
	)

	srv, err := api.NewServer(api.Deps{
		Config:   cfg,
		Store:    store,
		Counter:  counter,
		Keys:     keys,
		Logger:   log.Logger,
		Metrics:  m,
		Gatherer: reg,
		Auditor:  auditor,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("environment", cfg.Environment).
		Strs("upstreams", cfg.UpstreamNames()).
		Msg("gateway started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("gateway stopped")
}

// newCounter connects to Redis, or falls back to a per-process counter when
// no Redis URL is configured.
func newCounter(ctx context.Context, cfg config.Config) (ratelimit.Counter, func()) {
	if cfg.RedisURL == "" {
		if cfg.IsProduction() {
			log.Warn().Msg("redis_url not set, rate limits are per process")
		}
		return ratelimit.NewMemoryCounter(), func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redis_url")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// The limiter fails open, so an unreachable Redis is not fatal.
		log.Warn().Err(err).Msg("redis unreachable at startup")
	}
	return ratelimit.NewRedisCounter(client, ratelimit.DefaultKeyPrefix), func() { client.Close() }
}
