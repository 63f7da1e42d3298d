package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"photoline/internal/bootstrap"
	"photoline/internal/cache"
	"photoline/internal/config"
	"photoline/internal/httpapi"
	"photoline/internal/logging"
	"photoline/internal/notify"
	"photoline/internal/queue"
	"photoline/internal/realtime"
	"photoline/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "photoline"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if cfg.EnvFileLoaded {
		logger.Info("loaded .env file")
	}

	trustedProxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTelemetry := telemetry.Setup(serviceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	engine := queue.NewEngine(st, queue.Options{MaxAttempts: cfg.TxMaxAttempts})

	redisClient, err := cache.Connect(ctx, cache.Config{
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		// The status endpoint still works straight from the store.
		logger.Warn("redis unavailable, status cache disabled", slog.String("error", err.Error()))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	statusCache := cache.NewStatusCache(engine, redisClient, cfg.StatusCacheTTL, logger)

	hub := realtime.New(logger)

	var workers sync.WaitGroup
	var provider notify.Provider
	if cfg.NotifierEmbedded {
		var worker *notify.Worker
		worker, provider, err = bootstrap.NotifyWorker(cfg, st, hub, logger)
		if err != nil {
			logger.Error("notifier", slog.String("error", err.Error()))
			os.Exit(1)
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			notify.Start(ctx, cfg.NotifyPollInterval, worker)
		}()
	} else {
		// A standalone notifier sends the texts; this process only relays the
		// outbox to its own websocket clients.
		feed := notify.New(st, nil, hub, logger, notify.Config{Consumer: "realtime-feed"})
		workers.Add(1)
		go func() {
			defer workers.Done()
			notify.Start(ctx, cfg.NotifyPollInterval, feed)
		}()
	}
	defer func() {
		if err := notify.Close(provider); err != nil {
			logger.Warn("close notification provider", slog.String("error", err.Error()))
		}
	}()

	handler := httpapi.NewHandler(engine, httpapi.Options{
		Status: statusCache,
		Ready:  st.Ping,
		Logger: logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		SignupPerMinute: cfg.SignupLimitPerMinute,
		SignupBurst:     cfg.SignupLimitBurst,
		TrustedProxies:  trustedProxies,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle(realtime.Prefix+"/", realtime.NewHandler(hub, cfg.StaffToken, logger))
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(
		httpapi.LoggingMiddleware(logger, limiter.Middleware(httpapi.AuthMiddleware(cfg.StaffToken, mux))),
		serviceName,
	)
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelHandler,
		ReadTimeout: 10 * time.Second,
		// Streaming SockJS transports keep responses open, so writes are not capped.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("photoline listening", slog.String("addr", server.Addr), slog.String("driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	workers.Wait()
}
