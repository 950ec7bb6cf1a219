package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/clock"
	"github.com/hamed0406/domainhealth/internal/config"
	"github.com/hamed0406/domainhealth/internal/httpapi"
	apimw "github.com/hamed0406/domainhealth/internal/httpapi/middleware"
	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/lock"
	"github.com/hamed0406/domainhealth/internal/logging"
	"github.com/hamed0406/domainhealth/internal/metrics"
	"github.com/hamed0406/domainhealth/internal/notify"
	"github.com/hamed0406/domainhealth/internal/probe"
	"github.com/hamed0406/domainhealth/internal/repo"
	"github.com/hamed0406/domainhealth/internal/repo/memory"
	pg "github.com/hamed0406/domainhealth/internal/repo/postgres"
	"github.com/hamed0406/domainhealth/internal/repo/sqlite"
	"github.com/hamed0406/domainhealth/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel, cfg.LogConsole)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal("metrics_register_failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store_open_failed", zap.Error(err))
	}
	defer store.Close()

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis_unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		// in-process first so local contention never reaches redis
		locker = lock.Chain(locker, lock.NewRedisLocker(rdb, cfg.LockTTL))
		logger.Info("lock_backend", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr))
	}

	clk := clock.Real{}
	engine := incident.NewEngine(store, locker, clk, logger)

	hp := probe.NewHTTPProber(cfg.HTTPTimeout)
	hp.Method = cfg.ProbeMethod
	hp.Scheme = cfg.ProbeScheme
	hp.SSLWarning = cfg.SSLWarning()
	prober := &probe.RetryProber{Inner: hp, Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff, Timeout: cfg.HTTPTimeout}

	opts, closeNotify := notifyOptions(cfg, logger)
	defer closeNotify()
	dispatcher := notify.NewDispatcher(store, store, opts, logger)
	alerts := scheduler.NewAlerter(dispatcher, cfg.AsyncNotify, logger)
	sched := scheduler.New(logger, store, prober, engine, alerts, clk.Now, scheduler.Config{
		Interval:        cfg.CheckInterval,
		Timeout:         prober.Budget(),
		Concurrency:     cfg.MaxConcurrentChecks,
		DefaultInterval: cfg.DefaultInterval,
		DueTolerance:    cfg.DueTolerance,
	})

	api := httpapi.NewServer(logger, store, sched, engine, dispatcher)
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.AllowedOrigins, cfg.PublicRPM, cfg.PublicBurst, cfg.AdminRPM, cfg.AdminBurst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		sched.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("api_shutdown_error", zap.Error(err))
		}
	}()

	logger.Info("api_listen",
		zap.String("addr", cfg.Addr),
		zap.Duration("check_interval", cfg.CheckInterval),
		zap.Int("max_concurrent_checks", cfg.MaxConcurrentChecks),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("api_listen_failed", zap.Error(err))
	}

	stop()
	<-tickerDone
	alerts.Wait()
	logger.Info("api_stopped")
}

// openStore picks postgres, then sqlite, then the in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info("store_backend", zap.String("backend", "postgres"))
		return pg.New(ctx, cfg.DatabaseURL, logger)
	case cfg.SQLitePath != "":
		logger.Info("store_backend", zap.String("backend", "sqlite"), zap.String("path", cfg.SQLitePath))
		return sqlite.New(ctx, cfg.SQLitePath)
	default:
		logger.Warn("store_backend", zap.String("backend", "memory"))
		return memory.New(), nil
	}
}

// notifyOptions only sets the channels that are configured; a nil *T in an
// interface field would look enabled to the dispatcher.
func notifyOptions(cfg config.Config, logger *zap.Logger) (notify.Options, func()) {
	opts := notify.Options{SlackTimeout: cfg.SlackTimeout}
	closer := func() {}

	if m := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}); m != nil {
		opts.Mailer = m
	}

	if tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramAPIBase); err != nil {
		logger.Warn("telegram_disabled", zap.Error(err))
	} else if tg != nil {
		opts.Telegram = tg
	}

	if cfg.NATSURL != "" {
		pub, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Warn("nats_disabled", zap.String("url", cfg.NATSURL), zap.Error(err))
		} else {
			opts.Publisher = pub
			closer = func() { _ = pub.Close() }
		}
	}
	return opts, closer
}
