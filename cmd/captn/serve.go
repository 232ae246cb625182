package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"captn/internal/auth"
	"captn/internal/billing"
	"captn/internal/billing/stripegw"
	"captn/internal/chatflow"
	"captn/internal/config"
	"captn/internal/httpapi"
	"captn/internal/live"
	"captn/internal/metrics"
	"captn/internal/preferences"
	"captn/internal/providers/registry"
	"captn/internal/queue"
	"captn/internal/storage"
	"captn/internal/worker"
)

func newServeCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, live hub and follow-up worker selected by APP_MODE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogger(cfg.Log.Level)
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	log.Info().
		Str("mode", cfg.AppMode).
		Str("agent_kind", cfg.Agent.Kind).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting captn")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	agent, err := registry.Build(registry.BuildOptions{
		Kind:        cfg.Agent.Kind,
		BaseURL:     cfg.Agent.BaseURL,
		APIKey:      cfg.Agent.APIKey,
		APIVersion:  cfg.Agent.APIVersion,
		Temperature: cfg.Agent.Temperature,
		HTTPClient:  &http.Client{Timeout: cfg.Agent.ClientTimeout},
	})
	if err != nil {
		return err
	}

	m := metrics.Global()
	followUps := queue.NewStreamQueue(rdb, cfg.Redis.FollowStream, cfg.Redis.FollowGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	chains := queue.NewFollowUpGuard(rdb, cfg.Worker.GuardTTL)
	hub := live.NewHub(live.Config{
		Redis:     rdb,
		Channel:   cfg.Live.Channel,
		Store:     store,
		FollowUps: followUps,
		Guard:     chains,
		Logger:    log.Logger.With().Str("component", "live").Logger(),
		Metrics:   m,
	})

	runAPI := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeAPI
	runWorker := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeWorker

	g, gctx := errgroup.WithContext(ctx)

	if runAPI {
		entitlements := billing.NewEntitlements(store)
		controller := chatflow.New(chatflow.Config{
			Store:        store,
			Agent:        agent,
			Entitlements: entitlements,
			RateLimiter:  queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Notifier:     hub,
			Temperature:  cfg.Agent.Temperature,
			Logger:       log.Logger.With().Str("component", "chatflow").Logger(),
			Metrics:      m,
		})
		billingSvc := billing.NewService(billing.Config{
			Gateway: stripegw.New(stripegw.Config{
				APIKey:        cfg.Billing.StripeKey,
				WebhookSecret: cfg.Billing.WebhookSecret,
			}),
			Store:              store,
			Dedupe:             queue.NewEventDeduplicator(rdb, cfg.Redis.EventTTL),
			PriceID:            cfg.Billing.PriceID,
			Domain:             cfg.Billing.Domain,
			CustomerPortalLink: cfg.Billing.CustomerPortalLink,
			Logger:             log.Logger.With().Str("component", "billing").Logger(),
			Metrics:            m,
		})
		api := httpapi.New(httpapi.Config{
			ListenAddr:   cfg.HTTP.ListenAddr,
			HealthPath:   cfg.HTTP.HealthPath,
			MetricsPath:  cfg.HTTP.MetricsPath,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			AllowOrigins: cfg.HTTP.AllowOrigins,
			CookieName:   cfg.Auth.CookieName,
			SecureCookie: cfg.Auth.SecureCookie,
			Store:        store,
			Auth:         auth.NewService(store, auth.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)),
			Chats:        controller,
			Billing:      billingSvc,
			Prefs:        preferences.NewRedisStore(rdb),
			Hub:          hub,
			Logger:       log.Logger.With().Str("component", "http").Logger(),
		})

		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return api.Run(gctx) })
	} else {
		g.Go(func() error { return serveOps(gctx, cfg.HTTP) })
	}

	if runWorker {
		w := worker.New(worker.Config{
			Store:         store,
			Queue:         followUps,
			Agent:         agent,
			Notifier:      hub,
			Guard:         chains,
			Temperature:   cfg.Agent.Temperature,
			MaxJobRetries: cfg.Worker.MaxRetries,
			MaxRounds:     cfg.Worker.MaxFollowRounds,
			BackoffBase:   cfg.Worker.BackoffBase,
			ReclaimIdle:   cfg.Worker.ReclaimIdle,
			Logger:        log.Logger.With().Str("component", "worker").Logger(),
			Metrics:       m,
		})
		g.Go(func() error {
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
			if err := w.Start(gctx, cfg.Worker.Concurrency); err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("runtime error")
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

// serveOps exposes health and metrics when the process runs only the worker.
func serveOps(ctx context.Context, cfg config.HTTPConfig) error {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ops server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
