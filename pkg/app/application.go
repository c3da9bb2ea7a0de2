package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/metrics"
	"github.com/osvaldoandrade/mediaq/internal/middleware"
	"github.com/osvaldoandrade/mediaq/internal/providers"
	"github.com/osvaldoandrade/mediaq/internal/ratelimit"
	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/internal/services"
	"github.com/osvaldoandrade/mediaq/internal/supervisor"
	"github.com/osvaldoandrade/mediaq/internal/tracing"
	"github.com/osvaldoandrade/mediaq/pkg/auth"
	"github.com/osvaldoandrade/mediaq/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config      *config.Config
	Engine      *gin.Engine
	Redis       *redis.Client
	Tasks       services.TaskService
	Jobs        repository.JobRepository
	Supervisor  *supervisor.Supervisor
	Logger      *slog.Logger
	TZ          *time.Location
	Validator   auth.Validator
	RateLimiter ratelimit.Limiter

	TracingShutdown func(context.Context) error
}

// ApplicationOption configures the Application.
type ApplicationOption func(*Application) error

// WithValidator sets a custom producer validator.
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	redisClient := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	limiter := ratelimit.NewTokenBucketLimiter(redisClient)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}

	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "mediaq", "env", cfg.Env)
	slog.SetDefault(logger)

	metrics.RegisterRedisCollector(redisClient, logger)

	tracingShutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "mediaq",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}

	taskRepo := repository.NewTaskRepository(redisClient, loc)
	jobRepo := repository.NewJobRepository(redisClient, loc, cfg.BackoffMaxSeconds)
	tasks := services.NewTaskService(taskRepo, jobRepo, loc, time.Now, logger)
	webhooks := services.NewWebhookService(
		logger,
		cfg.WebhookHmacSecret,
		cfg.WebhookMaxAttempts,
		cfg.WebhookBaseBackoffSeconds,
		cfg.WebhookMaxBackoffSeconds,
		limiter,
		ratelimit.Bucket(cfg.RateLimit.Webhook),
	)
	sup := supervisor.New(taskRepo, jobRepo, webhooks, logger)

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logger))
	engine.Use(middleware.TracingMiddleware("mediaq"))

	app := &Application{
		Config:      cfg,
		Engine:      engine,
		Redis:       redisClient,
		Tasks:       tasks,
		Jobs:        jobRepo,
		Supervisor:  sup,
		Logger:      logger,
		TZ:          loc,
		RateLimiter: limiter,

		TracingShutdown: tracingShutdown,
	}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Validator == nil && cfg.AuthProvider != "" {
		validator, err := auth.NewValidator(auth.ProviderConfig{
			Type:   cfg.AuthProvider,
			Config: json.RawMessage(cfg.AuthConfig),
		})
		if err != nil {
			return nil, err
		}
		app.Validator = validator
	}

	return app, nil
}
