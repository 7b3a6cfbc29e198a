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

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/authz"
	"github.com/tahplatform/accesshub/internal/cache"
	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/config"
	"github.com/tahplatform/accesshub/internal/httpapi"
	"github.com/tahplatform/accesshub/internal/iam"
	"github.com/tahplatform/accesshub/internal/obs"
	"github.com/tahplatform/accesshub/internal/scheduler"
	"github.com/tahplatform/accesshub/internal/store/pg"
	"github.com/tahplatform/accesshub/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "accesshub-api: %v\n", err)
		os.Exit(1)
	}

	log := obs.NewLogger(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Ping(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("ping database")
	}

	var permCache cache.Cache
	if cfg.RedisAddr != "" {
		redis, err := cache.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			cancel()
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		defer redis.Close()
		permCache = redis
		log.Info().Str("addr", cfg.RedisAddr).Msg("permission cache: redis")
	} else {
		permCache = cache.NewMemory()
		log.Info().Msg("permission cache: in-process")
	}
	cancel()

	var keys *token.KeyPair
	if cfg.PrivateKeyPEM != "" {
		keys, err = token.LoadKeyPair(cfg.PrivateKeyPEM)
		if err != nil {
			log.Fatal().Err(err).Msg("load signing key")
		}
	} else {
		keys, err = token.GenerateKeyPair()
		if err != nil {
			log.Fatal().Err(err).Msg("generate signing key")
		}
		log.Warn().Msg("no signing key configured, tokens will not survive a restart")
	}

	rec := audit.NewRecorder(store, log)
	directory := iam.NewService(store, rec,
		iam.WithInviteTTL(cfg.InviteTTL))
	engine := authz.NewEngine(store, permCache, rec, log)
	tokens := token.NewService(store, engine, keys, rec, log,
		token.WithIssuer(cfg.Issuer),
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
		token.WithAppTokenTTL(cfg.AppTokenTTL),
		token.WithMinPasswordLength(cfg.MinPasswordLen))
	source := catalog.NewHTTPFetcher(cfg.ManifestTimeout)
	cat := catalog.NewService(store, source, rec, log,
		catalog.WithRetention(cfg.SyncRetention),
		catalog.WithBulkParallelism(cfg.BulkSyncParallel))

	sched := scheduler.New(cat, log)
	if err := sched.Start(cfg.SyncCron); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.SyncCron).Msg("start scheduler")
	}

	api := httpapi.New(directory, cat, engine, tokens,
		httpapi.ReadyProbe{DB: store.DB()}, log, version)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(httpapi.Limits{
			MaxBodyBytes:   cfg.MaxBodyBytes,
			RateLimitPer:   cfg.RateLimitPerSec,
			RateLimitBurst: cfg.RateLimitBurst,
		}),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", version).Msg("accesshub-api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	sched.Stop()
	log.Info().Msg("stopped")
}
