package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Felixdiamond/growth-hub/internal/alert"
	"github.com/Felixdiamond/growth-hub/internal/backoff"
	"github.com/Felixdiamond/growth-hub/internal/config"
	"github.com/Felixdiamond/growth-hub/internal/dispatch"
	"github.com/Felixdiamond/growth-hub/internal/donation"
	"github.com/Felixdiamond/growth-hub/internal/email"
	"github.com/Felixdiamond/growth-hub/internal/feed"
	"github.com/Felixdiamond/growth-hub/internal/guard"
	"github.com/Felixdiamond/growth-hub/internal/lifecycle"
	"github.com/Felixdiamond/growth-hub/internal/metrics"
	"github.com/Felixdiamond/growth-hub/internal/newsletter"
	"github.com/Felixdiamond/growth-hub/internal/pipeline"
	"github.com/Felixdiamond/growth-hub/internal/quota"
	"github.com/Felixdiamond/growth-hub/internal/server"
	"github.com/Felixdiamond/growth-hub/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("notifier stopped", "error", err)
		os.Exit(1)
	}
	log.Info("notifier stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	state := lifecycle.NewState()

	var (
		runGuard guard.Guard = guard.NewLocal()
		daily    quota.Quota = quota.New(cfg.DailyQuota)
	)
	if cfg.RedisURL != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		runGuard = guard.NewRedis(rdb, guard.DefaultKey, cfg.Schedule.ClaimLease)
		daily = quota.NewRedis(rdb, cfg.DailyQuota)
		log.Info("using redis for run guard and quota")
	}

	provider, err := newProvider(ctx, cfg, log)
	if err != nil {
		_ = store.Close()
		return err
	}
	composer := email.NewComposer(cfg.SiteURL, cfg.Email.From, cfg.Email.NewsletterFrom)

	retry := backoff.Policy{
		MaxAttempts: cfg.Dispatch.MaxRetries,
		BaseDelay:   cfg.Dispatch.RetryBaseDelay,
		MaxDelay:    2 * time.Minute,
		Jitter:      cfg.Dispatch.RetryJitter,
	}

	alerter := newAlerter(cfg, log)

	dispatcher := dispatch.New(provider, composer, daily, state, dispatch.Config{
		BatchSize:  cfg.Dispatch.BatchSize,
		BatchDelay: cfg.Dispatch.BatchDelay,
		Retry:      retry,
	}, m, log)

	checker := feed.NewChecker(feed.New(&http.Client{}), store, m, log)

	runner := pipeline.New(pipeline.Deps{
		Checker:    checker,
		Dispatcher: dispatcher,
		Store:      store,
		Guard:      runGuard,
		Quota:      daily,
		Shutdown:   state,
		Alerter:    alerter,
		Metrics:    m,
		Log:        log,
	}, pipeline.Config{
		TestEmail:  cfg.TestEmail,
		Lease:      cfg.Schedule.ClaimLease,
		FetchRetry: retry,
	})

	sched := lifecycle.NewScheduler(runner, state, lifecycle.SchedulerConfig{
		ChannelID:  cfg.ChannelID,
		Interval:   cfg.Schedule.Interval,
		RunOnStart: cfg.Schedule.RunOnStart,
	}, log)

	var customers donation.CustomerLookup
	if cfg.Stripe.SecretKey != "" {
		customers = donation.NewStripeCustomers(cfg.Stripe.SecretKey)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Config{
		CronSecret: cfg.CronSecret,
		ChannelID:  cfg.ChannelID,
		SiteURL:    cfg.SiteURL,
		Version:    cfg.Version,
	}, server.Deps{
		State:      state,
		Runs:       sched,
		Newsletter: newsletter.New(store, provider, composer, daily, retry, m, log),
		Donations:  donation.New(cfg.Stripe.WebhookSecret, store, customers, log),
		Metrics:    m.Handler(),
		Log:        log,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		sched.Run(schedCtx)
		close(schedDone)
	}()

	log.Info("notifier started",
		"channel_id", cfg.ChannelID,
		"provider", cfg.Email.Provider,
		"interval", cfg.Schedule.Interval.String(),
		"version", cfg.Version,
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	return shutdown(cfg.Schedule.ShutdownTimeout, log, state, stopSched, schedDone, httpSrv, sched, store)
}

func shutdown(timeout time.Duration, log *slog.Logger, state *lifecycle.State, stopSched context.CancelFunc,
	schedDone <-chan struct{}, httpSrv *http.Server, sched *lifecycle.Scheduler, store storage.Storage) error {
	log.Info("shutting down", "timeout", timeout.String())
	state.BeginShutdown()
	stopSched()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// /health keeps answering shutting_down until the in-flight run has finished.
	waitErr := sched.Wait(ctx)

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	if waitErr != nil {
		_ = store.Close()
		return fmt.Errorf("in-flight run did not finish within %s: %w", timeout, waitErr)
	}

	select {
	case <-schedDone:
	case <-ctx.Done():
		_ = store.Close()
		return fmt.Errorf("scheduler did not stop within %s: %w", timeout, ctx.Err())
	}

	if err := store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, storage.PoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info("using postgres store")
		return pg, nil
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	db, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("using sqlite store", "path", cfg.DatabasePath)
	return db, nil
}

func newProvider(ctx context.Context, cfg *config.Config, log *slog.Logger) (email.Provider, error) {
	switch cfg.Email.Provider {
	case config.ProviderResend:
		return email.NewResendProvider(cfg.Email.ResendAPIKey, nil, log), nil
	case config.ProviderGmail:
		p, err := email.NewGmailProviderFromJSON(ctx, []byte(cfg.Email.GmailCredentials), log)
		if err != nil {
			return nil, fmt.Errorf("create gmail provider: %w", err)
		}
		return p, nil
	default:
		log.Warn("no email credentials configured, emails will only be logged")
		return email.NewMockProvider(log), nil
	}
}

func newAlerter(cfg *config.Config, log *slog.Logger) alert.Alerter {
	if !cfg.Telegram.Enabled() {
		return alert.Nop{}
	}
	tg, err := alert.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	if err != nil {
		log.Warn("telegram alerts disabled", "error", err)
		return alert.Nop{}
	}
	return tg
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
