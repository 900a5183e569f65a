package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopwatch/prodstore/internal/httpapi"
	"github.com/shopwatch/prodstore/internal/prodstore"
)

func main() {
	addr := os.Getenv("PRODSTORE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	root := os.Getenv("PRODSTORE_DATA_DIR")
	if root == "" {
		root = ".prodstore"
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := prodstore.NewStoreWithOptions(prodstore.StoreOptions{
		Root:         root,
		MediaBaseURL: strings.TrimSpace(os.Getenv("PRODSTORE_MEDIA_BASE_URL")),
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	monitoring := prodstore.NewMonitoringLogWithOptions(store, prodstore.MonitoringLogOptions{
		Capacity: intEnv("PRODSTORE_MONITORING_CAPACITY", 0),
	})
	reconciler := prodstore.NewReconciler(store, logger)
	fetcher := prodstore.NewFetcherWithOptions(store, prodstore.FetcherOptions{
		Client: &http.Client{Timeout: durationEnv("PRODSTORE_FETCH_TIMEOUT", 60*time.Second)},
		Logger: logger,
	})

	activityBackend, err := prodstore.BuildActivityBackendFromDSN(strings.TrimSpace(os.Getenv("PRODSTORE_ACTIVITY_BACKEND_DSN")))
	if err != nil {
		log.Fatalf("failed to initialize activity backend: %v", err)
	}
	activity := prodstore.NewActivityLogWithOptions(prodstore.ActivityLogOptions{
		Backend: activityBackend,
		Logger:  logger,
	})

	watcher := prodstore.NewWatcher(store, activity, prodstore.WatcherOptions{
		SettleInterval: durationEnv("PRODSTORE_SETTLE_INTERVAL", 0),
		SettleMaxWait:  durationEnv("PRODSTORE_SETTLE_MAX_WAIT", 0),
		SuppressWindow: durationEnv("PRODSTORE_SUPPRESS_WINDOW", 0),
		Logger:         logger,
	})
	if err := watcher.Start(context.Background()); err != nil {
		log.Fatalf("failed to start directory watcher: %v", err)
	}
	defer watcher.Stop()

	server, err := httpapi.NewServerWithConfig(httpapi.Services{
		Store:      store,
		Monitoring: monitoring,
		Reconciler: reconciler,
		Fetcher:    fetcher,
		Activity:   activity,
	}, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("PRODSTORE_MAX_BODY_BYTES", 0),
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		log.Printf("prodstore listening on %s (data dir %s)", addr, root)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
