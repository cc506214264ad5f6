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

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/api"
	"jieyou_pet/internal/clock"
	"jieyou_pet/internal/config"
	"jieyou_pet/internal/db"
	"jieyou_pet/internal/fastpath"
	"jieyou_pet/internal/live"
	"jieyou_pet/internal/logging"
	"jieyou_pet/internal/memstore"
	"jieyou_pet/internal/monitoring"
	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/rewards"
	"jieyou_pet/internal/session"
	"jieyou_pet/internal/shop"
	"jieyou_pet/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("could not load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("init logging")
	}
	if cfg.SessionSecretGenerated {
		log.Warn("SESSION_SECRET is not set; session tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open storage backend")
	}
	defer be.close()

	tokens, err := session.NewTokens(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		log.WithError(err).Fatal("init session tokens")
	}

	metrics := monitoring.NewMetrics()
	registry := session.NewRegistry(be.gw, clock.NewSystem(cfg.Location), log,
		progress.WithRecorder(metrics),
		progress.WithMaxCASAttempts(cfg.CASMaxAttempts),
	)

	hubCfg := live.DefaultConfig()
	hubCfg.AllowedOrigins = cfg.CORSOrigins
	hub := live.NewHub(hubCfg, log)
	defer hub.Stop()

	limiter := api.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)

	srv := api.NewServer(api.Deps{
		Registry:    registry,
		Tokens:      tokens,
		BotToken:    cfg.BotToken,
		Shop:        shop.Default(),
		Table:       rewards.Default(),
		Hub:         hub,
		Metrics:     metrics,
		Limiter:     limiter,
		Log:         log,
		Backend:     cfg.StorageBackend,
		CORSOrigins: cfg.CORSOrigins,
		Ping:        be.ping,
		QueueStats:  be.stats,
	})

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.PendingSweep), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, cfg.PendingSweep)
		defer cancel()
		if stuck := registry.RetryAll(sweepCtx); stuck > 0 {
			log.WithField("sessions", stuck).Warn("sessions still have pending writes")
		}
	}); err != nil {
		log.WithError(err).Fatal("schedule pending sweep")
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		if n := limiter.Cleanup(); n > 0 {
			log.WithField("evicted", n).Debug("rate limiter cleanup")
		}
		if n := registry.Evict(cfg.SessionIdle); n > 0 {
			log.WithFields(logrus.Fields{"evicted": n, "open": registry.Len()}).Debug("idle session cleanup")
		}
	}); err != nil {
		log.WithError(err).Fatal("schedule limiter cleanup")
	}
	sched.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "backend": cfg.StorageBackend, "timezone": cfg.TimezoneName}).Info("server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	<-sched.Stop().Done()

	// Last attempt to flush writes that are still queued in memory.
	if stuck := registry.RetryAll(shutdownCtx); stuck > 0 {
		log.WithField("sessions", stuck).Warn("exiting with unsaved writes")
	}
	log.Info("server exited")
}

type backend struct {
	gw    storage.Gateway
	ping  func(ctx context.Context) error
	stats func(ctx context.Context) map[string]any
	close func()
}

func openBackend(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (backend, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		log.Warn("using in-memory storage; progress is lost on restart")
		return backend{gw: memstore.New(), close: func() {}}, nil

	case config.BackendPostgres:
		d, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		return backend{gw: d, ping: d.Ping, close: d.Close}, nil

	case config.BackendRedis:
		rdb, err := fastpath.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return backend{}, fmt.Errorf("redis: %w", err)
		}
		store := fastpath.New(rdb, fastpath.Options{
			StreamKey:      cfg.StreamKey,
			StreamGroup:    cfg.StreamGroup,
			StreamConsumer: cfg.StreamConsumer,
			StreamMaxLen:   cfg.StreamMaxLen,
			InteractionTTL: time.Duration(cfg.InteractionTTLHours) * time.Hour,
		})
		be := backend{
			gw:    store,
			ping:  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			stats: store.QueueStats,
			close: func() { _ = rdb.Close() },
		}
		if !cfg.Archive() {
			log.Warn("coin ledger archiving is off; transactions stay in the Redis stream")
			return be, nil
		}
		d, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = rdb.Close()
			return backend{}, err
		}
		if err := fastpath.NewArchiver(store, d, log).Start(ctx); err != nil {
			d.Close()
			_ = rdb.Close()
			return backend{}, err
		}
		log.WithField("stream", store.Opts.StreamKey).Info("coin ledger archiver started")
		be.close = func() {
			_ = rdb.Close()
			d.Close()
		}
		return be, nil
	}
	return backend{}, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func openPostgres(ctx context.Context, url string) (*db.DB, error) {
	d, err := db.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return d, nil
}
