// Package main is the entry point for the gateway process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"egogateway/internal/authn"
	"egogateway/internal/bus"
	"egogateway/internal/cache"
	"egogateway/internal/config"
	"egogateway/internal/dispatcher"
	"egogateway/internal/httpapi"
	"egogateway/internal/metrics"
	"egogateway/internal/wsedge"
)

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("critical error loading configuration", "error", err)
		os.Exit(2)
	}

	ticketMetrics := metrics.NewTickets(prometheus.DefaultRegisterer)
	busMetrics := metrics.NewBus(prometheus.DefaultRegisterer)

	busClient, err := bus.Connect(bus.Config{
		URL:              cfg.BusURL,
		RawMemorySubject: cfg.RawMemorySubject,
		ReconnectMin:     cfg.BusReconnectMin,
		ReconnectMax:     cfg.BusReconnectMax,
		OnReconnect:      busMetrics.ReconnectInc,
	})
	if err != nil {
		// Lenient startup (spec §6 exit code 3 is for startup-strict mode
		// only): the process starts without a bus client and every
		// admission fails with ErrUnavailable. An unreachable server does
		// not land here: Connect then returns a client that keeps
		// retrying its connection in the background.
		slog.Warn("could not reach bus at startup, continuing degraded", "error", err)
	}
	var busSurface bus.Bus
	if busClient != nil {
		busSurface = busClient
		defer busClient.Close()
	}

	sessionCache, err := cache.New(cache.Config{URL: cfg.CacheURL, Limit: cfg.HotMsgLimit, TTL: cfg.HotTTL})
	if err != nil {
		slog.Warn("could not configure session cache, continuing degraded", "error", err)
	}
	var cacheSurface cache.Cache
	if sessionCache != nil {
		cacheSurface = sessionCache
		defer sessionCache.Close()
	}

	verifier, err := authn.New(cfg.JWTSecret, cfg.JWTAlg, cacheSurface)
	if err != nil {
		slog.Error("critical error configuring auth verifier", "error", err)
		os.Exit(2)
	}

	disp := dispatcher.New(dispatcher.Config{
		RequestSubject:     cfg.RequestSubject,
		RawMemorySubject:   cfg.RawMemorySubject,
		IdleChunkTimeout:   cfg.IdleChunkTimeout,
		TotalTicketTimeout: cfg.TotalTicketTimeout,
		DrainTimeout:       cfg.DrainTimeout,
	}, busSurface, cacheSurface, ticketMetrics)

	validate := validator.New()
	hub := wsedge.NewHub()
	wsHandler := wsedge.NewHandler(hub, disp, verifier, validate, cfg)
	chatHandler := httpapi.NewChatHandler(disp)

	router := httpapi.NewRouter(cfg, disp, verifier, cacheSurface, wsHandler, chatHandler)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("gateway listening", "addr", cfg.ServerAddr, "ws_path", cfg.WSPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	hub.Shutdown()
	chatHandler.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during graceful shutdown", "error", err)
	}

	slog.Info("gateway stopped")
}
