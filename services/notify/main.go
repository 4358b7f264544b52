package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/smartregister/pkg/config"
	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/pkg/logger"
	mw "github.com/diagnosis/smartregister/pkg/middleware"
	"github.com/diagnosis/smartregister/pkg/response"
	"github.com/diagnosis/smartregister/services/notify/internal/listener"
)

func main() {
	cfg := config.Load()
	if cfg.NATS.URL == "" {
		logger.Error("NATS_URL is required for the notify service")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	l := listener.New()
	if _, err := bus.Subscribe(cfg.NATS.Subject, l.Handle); err != nil {
		logger.Error("Failed to subscribe", "error", err, "subject", cfg.NATS.Subject)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("notify"))
	r.Use(mw.Logging)
	r.Use(mw.Health(nil))
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, l.Stats())
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.NotifyPort,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down notify service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Notify service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting notify service", "port", cfg.Server.NotifyPort, "subject", cfg.NATS.Subject)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Notify service error", "error", err)
		os.Exit(1)
	}
}
