package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ubuygold/gpugate/internal/admin"
	"github.com/ubuygold/gpugate/internal/aggregator"
	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/config"
	"github.com/ubuygold/gpugate/internal/db"
	"github.com/ubuygold/gpugate/internal/gateway"
	"github.com/ubuygold/gpugate/internal/logger"
	"github.com/ubuygold/gpugate/internal/ocr"
	"github.com/ubuygold/gpugate/internal/ratelimit"
	"github.com/ubuygold/gpugate/internal/registry"
	"github.com/ubuygold/gpugate/internal/requestlog"
	"github.com/ubuygold/gpugate/internal/scheduler"
	"github.com/ubuygold/gpugate/internal/server"
)

const shutdownTimeout = 5 * time.Second

// app holds everything the router depends on that needs closing.
type app struct {
	router    *gin.Engine
	recorder  *requestlog.Recorder
	limiter   ratelimit.Limiter
	scheduler *scheduler.Scheduler
	warmup    func(ctx context.Context)
}

func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	a.recorder.Close()
}

func buildApp(cfg *config.Config, log *slog.Logger, dbService db.Service) (*app, error) {
	reg, err := registry.New(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("failed to build model registry: %w", err)
	}

	recorder := requestlog.NewRecorder(dbService, cfg.RequestLog.QueueSize, log)
	dispatcher := gateway.NewDispatcher(reg, &http.Client{}, cfg.GenerateTimeout(), recorder, log)
	ocrService := ocr.NewService(dispatcher, recorder, ocr.Settings{
		DefaultModel:       cfg.OCR.DefaultModel,
		AllowModelOverride: cfg.OCR.AllowModelOverride,
		DefaultPrompt:      cfg.OCR.DefaultPrompt,
		Temperature:        *cfg.OCR.Temperature,
		TopP:               *cfg.OCR.TopP,
	}, log)
	paddleClient := ocr.NewPaddleClient(cfg.Paddle.URL, &http.Client{}, cfg.PaddleTimeout(), log)
	agg := aggregator.New(reg, &http.Client{}, cfg.HealthTimeout(), log)

	a := &app{recorder: recorder}

	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter, err := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RedisURL)
		if err != nil {
			recorder.Close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.limiter = limiter
		log.Info("Rate limiting enabled", "requests_per_minute", cfg.RateLimit.RequestsPerMinute, "redis", cfg.RateLimit.RedisURL != "")
	}

	if spec := cfg.HealthSweepSpec(); spec != "" {
		a.scheduler = scheduler.NewScheduler(agg, cfg.HealthTimeout()*2, log)
		if err := a.scheduler.Start(spec); err != nil {
			a.scheduler = nil
			a.Close()
			return nil, err
		}
	}

	if cfg.WarmupEnabled() {
		models := cfg.Warmup.Models
		if len(models) == 0 {
			models = reg.SupportedModels()
		}
		a.warmup = func(ctx context.Context) {
			dispatcher.Warmup(ctx, models, cfg.WarmupTimeout())
		}
	}

	router := gin.New()
	router.Use(server.Recovery(log), server.RequestID())
	if cfg.Debug {
		router.Use(gin.Logger())
		router.Use(cors.New(cors.Config{
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{auth.HeaderAPIKey, server.HeaderRequestID, "Authorization", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Type", server.HeaderRequestID},
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			MaxAge: 12 * time.Hour,
		}))
	}

	handler := server.NewHandler(dispatcher, ocrService, paddleClient, agg, log)
	server.SetupRoutes(router, handler, auth.NewAuthenticator(dbService), a.limiter, log)
	if admin.SetupRoutes(router, dbService, cfg, log) {
		log.Info("Admin routes enabled")
	}

	log.Info("Routes configured", "models", reg.SupportedModels(), "backends", len(reg.DistinctBackends()))
	a.router = router
	return a, nil
}

// setupAndRunServer serves until ctx is cancelled, then shuts down gracefully.
func setupAndRunServer(ctx context.Context, cfg *config.Config, log *slog.Logger, dbService db.Service) error {
	a, err := buildApp(cfg, log, dbService)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: a.router,
	}

	warmupCtx, cancelWarmup := context.WithCancel(ctx)
	defer cancelWarmup()
	if a.warmup != nil {
		go a.warmup(warmupCtx)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	cancelWarmup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exiting")
	return nil
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	configPath := os.Getenv("GPUGATE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, warning, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	defer dbService.Close()
	log.Info("Database initialized", "type", cfg.Database.Type)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := setupAndRunServer(ctx, cfg, log, dbService); err != nil {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}
}
