package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/config"
	"github.com/diagnosis/smartregister/pkg/database"
	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/pkg/logger"
	mw "github.com/diagnosis/smartregister/pkg/middleware"
	"github.com/diagnosis/smartregister/services/registration/internal/handlers"
	"github.com/diagnosis/smartregister/services/registration/internal/notifier"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
	"github.com/diagnosis/smartregister/services/registration/internal/service"
	"github.com/diagnosis/smartregister/services/registration/migrations"
)

type closer func()

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()

	// Record store
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to open record store", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer closeStore()

	// Sessions and rate limiting
	var (
		sessions repository.SessionRepository
		limiter  repository.RateLimitRepository
	)
	if cfg.Redis.URL != "" {
		rdb, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func(c *redis.Client) { _ = c.Close() }(rdb)
		sessions = repository.NewRedisSessionRepository(rdb, cfg.Auth.SessionTTL)
		limiter = repository.NewRedisRateLimitRepository(rdb, cfg.OTP.RequestLimit, cfg.OTP.RequestWindow)
	} else {
		logger.Warn("REDIS_URL not set; sessions and OTP rate limits are kept in process")
		sessions = repository.NewMemorySessionRepository(clk, cfg.Auth.SessionTTL)
		limiter = repository.NewMemoryRateLimitRepository(clk, cfg.OTP.RequestLimit, cfg.OTP.RequestWindow)
	}

	// Event bus
	var eventBus events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		bus, err := events.NewNATSEventBus(cfg.NATS.URL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		eventBus = bus
	}
	defer eventBus.Close()

	// SMS
	var sms notifier.Service
	if cfg.Twilio.DevMode {
		logger.Info("SMS dev mode: messages are printed, not sent")
		sms = notifier.NewDevNotifier()
	} else {
		tw, err := notifier.NewTwilioNotifier(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber)
		if err != nil {
			logger.Error("Failed to create Twilio notifier", "error", err)
			os.Exit(1)
		}
		sms = tw
	}

	// Services
	otpManager := service.NewOtpManager(store, sms, eventBus, clk, cfg.OTP)
	seats := service.NewSeatAllocator(store, clk, cfg.Event)
	workflow := service.NewBookingWorkflow(otpManager, seats, sessions, limiter, sms, eventBus, clk)
	adminService, err := service.NewAdminService(store, clk, cfg.Auth)
	if err != nil {
		logger.Error("Failed to create admin service", "error", err)
		os.Exit(1)
	}

	sweeper := service.NewSweeper(store, clk, cfg.OTP.SweepInterval, cfg.Auth.SessionTTL)
	go sweeper.Run(ctx)

	h := handlers.New(workflow, adminService, clk, cfg.Auth.JWTSecret)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("registration"))
	r.Use(mw.Logging)
	r.Use(chimw.Recoverer)
	r.Use(mw.CORS(cfg.Server.AllowOrigins))
	r.Use(mw.Health(store.Ping))
	h.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down registration service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Registration service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting registration service",
		"port", cfg.Server.Port,
		"event", cfg.Event.Name,
		"store", cfg.Database.Driver,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Registration service error", "error", err)
		os.Exit(1)
	}
}

// openStore builds the record store for the configured driver and applies
// the schema.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.RecordStore, closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory record store; bookings are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil

	case config.DriverSQLite:
		s, err := repository.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.DriverPostgres:
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		return repository.NewPostgresStore(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
