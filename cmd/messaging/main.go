package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/message-dispatch/internal/api"
	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/channel"
	"github.com/LeventeLantos/message-dispatch/internal/config"
	"github.com/LeventeLantos/message-dispatch/internal/metrics"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/quota"
	"github.com/LeventeLantos/message-dispatch/internal/reminder"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
	"github.com/LeventeLantos/message-dispatch/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("messaging app exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := repo.Migrate(ctx, db); err != nil {
		return err
	}

	messages := repo.NewPostgresMessageRepo(db)
	directory := repo.NewPostgresDirectory(db)

	var (
		index   cache.MessageCache = cache.Nop{}
		tracker quota.Tracker      = quota.NewPostgresTracker(db, cfg.Quota.Period)
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		index = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		if cfg.Quota.Backend == config.QuotaBackendRedis {
			tracker = quota.NewRedisTracker(rdb, tracker, cfg.Redis.TTL)
		}
	}

	httpClient := &http.Client{Timeout: cfg.Channel.Timeout}
	registry := channel.NewRegistry(directory, func(c model.ChannelConfig) (channel.Adapter, error) {
		return channel.NewAdapter(c, channel.Options{
			WhatsAppBaseURL: cfg.Channel.WhatsAppBase,
			HTTPClient:      httpClient,
		})
	}, channel.RegistryConfig{
		CacheTTL:      cfg.Channel.CacheTTL,
		Timeout:       cfg.Channel.Timeout,
		RatePerSecond: cfg.Channel.RatePerSecond,
	})

	dispatcher := service.NewDispatcher(registry, tracker, messages, index, service.DispatcherConfig{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		BackoffInitial: cfg.Dispatch.BackoffInitial,
		BackoffMax:     cfg.Dispatch.BackoffMax,
		QuotaMaxWait:   cfg.Quota.MaxWait,
		ContentMax:     cfg.Dispatch.ContentMax,
		Fanout:         cfg.Scheduler.Fanout,
		BatchSize:      cfg.Scheduler.BatchSize,
		ClaimLease:     cfg.Scheduler.ClaimLease,
	}, logger.With("component", "dispatcher"))

	queue := service.NewQueue(messages, directory, registry, tracker, dispatcher,
		cfg.DefaultRegion, cfg.Dispatch.ContentMax, logger.With("component", "queue"))

	reconciler := webhook.NewReconciler(messages, index, directory, directory, queue, webhook.ReconcilerConfig{
		AutoReply: cfg.Webhook.AutoReply,
		Region:    cfg.DefaultRegion,
	}, logger.With("component", "reconciler"))

	hooks := webhook.NewHandler(reconciler, directory, webhook.HandlerConfig{
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
		TwilioURL:   cfg.Webhook.TwilioURL,
	}, logger.With("component", "webhook"))

	poller := webhook.NewPoller(messages, registry, reconciler, webhook.PollerConfig{
		After: cfg.StatusPoll.After,
	}, logger.With("component", "status-poll"))

	reminders := reminder.NewGenerator(directory, queue, reminder.Config{
		AppointmentLookahead: cfg.Reminder.AppointmentLookahead,
		BillLookahead:        cfg.Reminder.BillLookahead,
		Location:             cfg.Reminder.Location,
	}, logger.With("component", "reminder"))

	sweeper, err := scheduler.New("dispatch", cfg.Scheduler.Interval, dispatcher.Sweep, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}
	polling, err := scheduler.New("status-poll", cfg.StatusPoll.Interval, poller.Poll, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}

	renewer := quota.NewRenewer(tracker, logger.With("component", "quota"))
	crons, err := scheduler.NewCronRunner(logger, cfg.Reminder.Location, 0,
		scheduler.CronJob{Name: "appointment-reminders", Spec: cfg.Reminder.AppointmentCron, Run: func(ctx context.Context) {
			if _, err := reminders.Appointments(ctx); err != nil {
				logger.Error("appointment reminders failed", "err", err)
			}
		}},
		scheduler.CronJob{Name: "billing-reminders", Spec: cfg.Reminder.BillingCron, Run: func(ctx context.Context) {
			if _, err := reminders.Bills(ctx); err != nil {
				logger.Error("billing reminders failed", "err", err)
			}
		}},
		scheduler.CronJob{Name: "quota-renewal", Spec: cfg.Quota.RenewCron, Run: func(context.Context) {
			renewer.Run()
		}},
	)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	h := api.NewHandler(queue, sweeper, polling, crons)
	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(h,
			api.WithWebhooks(hooks),
			api.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper.Start()
	polling.Start()
	crons.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("messaging app starting",
			"addr", cfg.Server.Address,
			"interval", cfg.Scheduler.Interval.String(),
			"batch", cfg.Scheduler.BatchSize,
			"redis", cfg.Redis.Enabled,
			"quota_backend", cfg.Quota.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}

	sweeper.Stop()
	polling.Stop()
	crons.Stop()
	hooks.Wait()

	logger.Info("messaging app stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
