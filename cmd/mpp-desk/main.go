package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/mpp-desk/internal/announce"
	"qms/mpp-desk/internal/api"
	"qms/mpp-desk/internal/config"
	"qms/mpp-desk/internal/httpapi"
	"qms/mpp-desk/internal/logging"
	"qms/mpp-desk/internal/realtime"
	"qms/mpp-desk/internal/session"
	"qms/mpp-desk/internal/telemetry"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", os.Getenv("MPP_CONFIG"), "path to a YAML config file")
		port       = pflag.StringP("port", "p", "", "local HTTP port (overrides PORT)")
		logLevel   = pflag.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
		pollOnly   = pflag.Bool("poll-only", false, "skip the realtime channel and poll the API")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *pollOnly {
		cfg.Realtime.Host = ""
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode(run(cfg, logger), logger))
}

// exitCode logs how the process ended and flushes the logger, which os.Exit
// would otherwise skip.
func exitCode(err error, logger *zap.Logger) int {
	code := 0
	if err != nil {
		logger.Error("mpp-desk stopped", zap.Error(err))
		code = 1
	}
	_ = logger.Sync()
	return code
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	shutdownTracing := telemetry.Setup(cfg.ServiceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	client := api.New(api.Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		Logger:  logger.Named("api"),
	})
	markers := realtime.NewMarkers(cfg.Realtime.MarkerTTL, nil)
	dispatcher := announce.NewDispatcher(
		announce.NewSpeaker(cfg.TTS.Provider, cfg.TTS.URL, cfg.TTS.Token, logger.Named("tts")),
		announce.NewNotices(20),
		logger.Named("announce"),
	)
	sess := session.New(client, session.Options{
		Location:   loc,
		Markers:    markers,
		Dispatcher: dispatcher,
		Logger:     logger.Named("session"),
	})
	defer sess.Close()

	reconciler := realtime.NewReconciler(subscriberFor(cfg, logger), sess.Resync, markers, realtime.Options{
		Channel:             cfg.Realtime.Channel,
		Attempts:            cfg.Realtime.Attempts,
		RetryDelay:          cfg.Realtime.RetryDelay,
		PollInterval:        cfg.Realtime.PollInterval,
		ResubscribeInterval: cfg.Realtime.ResubscribeInterval,
		RefreshInterval:     cfg.Realtime.RefreshInterval,
		Logger:              logger.Named("realtime"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		_ = reconciler.Run(ctx)
	}()

	handler := httpapi.NewHandler(sess, httpapi.Options{Status: reconciler, Logger: logger.Named("http")})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(limiter.Middleware(handler.Routes()), cfg.ServiceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("mpp-desk listening",
			zap.String("addr", server.Addr),
			zap.String("api", cfg.API.BaseURL),
			zap.Bool("realtime", cfg.Realtime.Enabled()),
			zap.String("timezone", loc.String()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stop()
		<-reconcilerDone
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	<-reconcilerDone
	logger.Info("mpp-desk stopped")
	return nil
}

// subscriberFor returns nil when no realtime endpoint is configured; the
// reconciler then polls.
func subscriberFor(cfg config.Config, logger *zap.Logger) realtime.Subscriber {
	if !cfg.Realtime.Enabled() {
		return nil
	}
	return realtime.NewPusherSubscriber(realtime.PusherOptions{
		Host:   cfg.Realtime.Host,
		Port:   cfg.Realtime.Port,
		Key:    cfg.Realtime.Key,
		TLS:    cfg.Realtime.TLS,
		Logger: logger.Named("pusher"),
	})
}
