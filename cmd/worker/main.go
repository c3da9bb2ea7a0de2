package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/providers"
	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/internal/steps"
	"github.com/osvaldoandrade/mediaq/internal/tracing"
	"github.com/osvaldoandrade/mediaq/internal/worker"
	"github.com/osvaldoandrade/mediaq/pkg/config"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfgPath := getenv("MEDIAQ_CONFIG_PATH", "")

	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] load config:", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "mediaq-worker", "env", cfg.Env)
	slog.SetDefault(logger)

	tracingShutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "mediaq-worker",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] init tracing:", err)
		os.Exit(1)
	}

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		tz = time.UTC
	}

	rdb := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	jobs := repository.NewJobRepository(rdb, tz, cfg.BackoffMaxSeconds)

	disp := dispatch.NewDispatcher(jobs, logger)
	env := steps.Env{
		FFmpegBin:  cfg.FFmpegBin,
		FFprobeBin: cfg.FFprobeBin,
		WorkDir:    cfg.WorkDir,
	}
	if cfg.LocalArtifactsDir != "" {
		env.Uploader = providers.NewLocalUploader(cfg.LocalArtifactsDir)
	}
	if cfg.AnalysisBaseURL != "" {
		env.Analysis = providers.NewAnalysisClient(
			cfg.AnalysisBaseURL,
			cfg.AnalysisAPIKey,
			time.Duration(cfg.AnalysisTimeoutSeconds)*time.Second,
		)
	}
	steps.RegisterAll(disp, env)

	w := worker.New(jobs, disp, worker.Options{
		Concurrency:       cfg.WorkerConcurrency,
		LeaseSeconds:      cfg.DefaultLeaseSeconds,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		PollInterval:      time.Duration(cfg.PollIntervalSeconds) * time.Second,
		InspectLimit:      cfg.RequeueInspectLimit,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("worker starting", "id", w.ID(), "concurrency", cfg.WorkerConcurrency)
	w.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if tracingShutdown != nil {
		_ = tracingShutdown(shutCtx)
	}
	_ = rdb.Close()
}
