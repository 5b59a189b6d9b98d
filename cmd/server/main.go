package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/api"
	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/identity"
	"chatrelay/internal/membership"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	jsonLogs := flag.Bool("json-logs", false, "Emit logs as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Level(), *jsonLogs)
	slog.SetDefault(logger)
	logger.Info("starting server")

	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		loadTestPath := filepath.Join(cwd, "loadtest", "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info("using load testing database", "path", loadTestPath)
	}

	logger.Info("loaded configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()
	logger.Info("database connection established", "path", cfg.CleanDatabasePath())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	broadcast, err := newBus(cfg, logger, m)
	if err != nil {
		return err
	}
	defer broadcast.Close()

	var resolver identity.Resolver
	if cfg.AuthServerVerify != "" {
		resolver = identity.NewRemoteResolver(cfg.AuthServerVerify, cfg.AuthTimeout, logger)
	} else {
		resolver = identity.NewJWTResolver(cfg.JWTSecret)
		logger.Warn("AUTH_SERVER_VERIFY not set, verifying tokens locally with JWT_SECRET")
	}

	var directory identity.Directory
	if cfg.AuthUsersURL != "" {
		directory = identity.NewRemoteDirectory(cfg.AuthUsersURL, cfg.AuthTimeout)
	}

	hub := websocket.NewHub(broadcast, resolver, websocket.Options{
		SendBuffer:     cfg.WSSendBuffer,
		VerifyToken:    cfg.WSVerifyToken,
		AllowedOrigins: cfg.WSAllowedOrigins,
		Limiter:        ratelimit.New(cfg.WSHandshakeRPS, cfg.WSHandshakeBurst, 0),
	}, logger, m)
	defer hub.Close()

	handlers := api.NewHandlers(
		database,
		membership.NewResolver(database, logger, m),
		resolver,
		directory,
		broadcast,
		http.HandlerFunc(hub.ServeWS),
		api.Config{
			CORSOrigin:  cfg.CORSOrigin,
			PageDefault: cfg.MessagePageDefault,
			PageMax:     cfg.MessagePageMax,
		},
		logger,
		m,
	)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.WithCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Realtime connections are hijacked and not tracked by Shutdown.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func setupLogger(level slog.Level, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newBus(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (bus.Bus, error) {
	if cfg.NATSURL == "" {
		logger.Info("using in-process bus")
		return bus.NewLocalBus(logger, m), nil
	}
	b, err := bus.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, logger, m)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("using nats bus", "url", cfg.NATSURL, "prefix", cfg.NATSSubjectPrefix)
	return b, nil
}
