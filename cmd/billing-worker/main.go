package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/recurpay-backend/internal/cron"
	"github.com/angelmondragon/recurpay-backend/internal/hostorders"
	"github.com/angelmondragon/recurpay-backend/internal/notify"
	"github.com/angelmondragon/recurpay-backend/internal/subscriptions"
	"github.com/angelmondragon/recurpay-backend/internal/transactions"
	"github.com/angelmondragon/recurpay-backend/internal/vault"
	"github.com/angelmondragon/recurpay-backend/pkg/config"
	"github.com/angelmondragon/recurpay-backend/pkg/db"
	"github.com/angelmondragon/recurpay-backend/pkg/logger"
	"github.com/angelmondragon/recurpay-backend/pkg/metrics"
	"github.com/angelmondragon/recurpay-backend/pkg/migrate"
	"github.com/angelmondragon/recurpay-backend/pkg/paypal"
	"github.com/angelmondragon/recurpay-backend/pkg/pubsub"
	"github.com/angelmondragon/recurpay-backend/pkg/redis"
)

const serviceName = "billing-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	providerEnv := cfg.PayPal.Environment()
	provider, err := paypal.NewClient(providerEnv,
		paypal.Credentials{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
		},
		paypal.WithHTTPClient(&http.Client{Timeout: cfg.PayPal.RequestTimeout}),
		paypal.WithRetry(cfg.PayPal.MaxRetries, cfg.PayPal.RetryBaseDelay),
		paypal.WithOrderCache(paypal.NewOrderCache(redisClient, providerEnv, cfg.PayPal.OrderCacheTTL)),
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create provider client", err)
		os.Exit(1)
	}

	notifier := notify.NewService(nil, cfg.PubSub.BillingTopic, logg)
	if cfg.PubSub.ProjectID != "" {
		psClient, err := pubsub.NewClient(context.Background(), cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to create pubsub client", err)
			os.Exit(1)
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		notifier = notify.NewService(psClient, cfg.PubSub.BillingTopic, logg)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	chargeJob, err := cron.NewRecurringChargeJob(cron.RecurringChargeJobParams{
		Logger:        logg,
		Subscriptions: subscriptions.NewStore(dbClient.DB()),
		Cards:         vault.NewStore(dbClient.DB()),
		HostOrders:    hostorders.NewService(dbClient.DB()),
		Provider:      provider,
		Recorder:      transactions.NewRecorder(dbClient.DB()),
		Notifier:      notifier,
		Metrics:       metricsCollector,
		Policy: subscriptions.Policy{
			MaxRetries:      cfg.Billing.MaxRetries,
			RetryOffsetDays: cfg.Billing.RetryOffsetDays,
		},
		BatchLimit: cfg.Billing.BatchLimit,
		Workers:    cfg.Billing.Workers,
		ClaimTTL:   cfg.Billing.ClaimTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create recurring charge job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceName), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create batch lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(chargeJob),
		Lock:     lock,
		Metrics:  metricsCollector,
		Schedule: cfg.Billing.Schedule,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"schedule": cfg.Billing.Schedule,
	})

	server := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: adminRouter(dbClient, redisClient),
	}
	go func() {
		logg.Info(logg.WithField(ctx, "addr", server.Addr), "admin endpoints listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "admin server stopped unexpectedly", err)
		}
	}()

	logg.Info(ctx, "starting billing worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "billing worker stopped unexpectedly", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "error shutting down admin server", err)
	}

	logg.Info(ctx, "billing worker shutting down gracefully")
}

// adminRouter serves liveness checks and prometheus metrics; it carries
// no billing functionality.
func adminRouter(dbClient *db.Client, redisClient *redis.Client) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := dbClient.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	return router
}
