package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/pacing"
	"github.com/noah-isme/gema-grader/internal/retry"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/apierr"
	"github.com/noah-isme/gema-grader/pkg/lms"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()

	os.Exit(code)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) int {
	source, err := lms.New(lms.Config{
		BaseURL:    cfg.LMSBaseURL,
		APIKey:     cfg.LMSAPIKey,
		OrgID:      cfg.LMSOrgID,
		PageSize:   cfg.LMSPageSize,
		ScratchDir: cfg.ScratchDir,
		Timeout:    cfg.LMSTimeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create lms client")
		return 1
	}

	reviewer, err := ai.NewOpenAIReviewer(ai.OpenAIConfig{
		APIKey:     cfg.AIAPIKey,
		BaseURL:    cfg.AIBaseURL,
		Model:      cfg.AIModel,
		MaxTokens:  cfg.AIMaxTokens,
		TotalMarks: cfg.AITotalMarks,
		Logger:     logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create ai reviewer")
		return 1
	}

	clock := pacing.SystemClock{}
	limiter := pacing.NewRateLimiter(pacing.Config{
		RequestDelayMin: cfg.RequestDelayMin,
		RequestDelayMax: cfg.RequestDelayMax,
		BatchDelayMin:   cfg.BatchDelayMin,
		BatchDelayMax:   cfg.BatchDelayMax,
		BackoffBase:     cfg.RetryBaseDelay,
		BackoffMax:      cfg.RetryMaxDelay,
	}, nil)
	policy := retry.NewPolicy(limiter, clock, logger)

	processor := service.NewSubmissionProcessor(source, reviewer, policy, service.NewFeedbackFormatter(cfg.FeedbackMaxChars), logger, service.ProcessorConfig{
		MaxAttempts: cfg.MaxRetries,
	})

	publisher, closePublisher := newPublisher(cfg, logger)
	defer closePublisher()

	runner := service.NewBatchRunner(source, processor, policy, limiter, clock, publisher, logger, service.RunnerConfig{
		BatchSize:            cfg.BatchSize,
		MaxSubmissionRetries: cfg.MaxSubmissionRetries,
		MaxAttempts:          cfg.MaxRetries,
	})

	if cfg.OpsEnabled() {
		app := startOpsServer(cfg, logger, runner)
		defer shutdownOpsServer(app, logger)
	}

	if !cfg.SkipProbe {
		logger.Info().Msg("checking lms api availability")
		if err := runner.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Warn().Msg("interrupted while waiting for the lms api")
				return 130
			}
			logger.Error().Err(err).Msg("lms api is not available, try again later")
			return exitCode(err, false)
		}
	}

	state := service.NewRunState()
	logger.Info().Str("run_id", state.RunID).Msg("grading run started")

	summary, err := runner.Run(ctx, state)
	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("run_id", summary.RunID).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Bool("interrupted", summary.Interrupted).
		Dur("elapsed", summary.Elapsed).
		Msg("grading run finished")

	return exitCode(err, summary.Interrupted)
}

// exitCode maps a run result to the process exit status.
func exitCode(err error, interrupted bool) int {
	switch {
	case errors.Is(err, apierr.ErrCredentialsRejected):
		return 2
	case err != nil:
		return 1
	case interrupted:
		return 130
	default:
		return 0
	}
}

func newPublisher(cfg config.Config, logger zerolog.Logger) (service.OutcomePublisher, func()) {
	if cfg.NATSURL == "" {
		return service.NopOutcomePublisher{}, func() {}
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats unavailable, outcome events disabled")
		return service.NopOutcomePublisher{}, func() {}
	}

	publisher := service.NewNATSOutcomePublisher(conn, cfg.NATSSubject)
	logger.Info().Str("subject", publisher.Subject()).Msg("publishing outcome events to nats")

	return publisher, func() {
		if err := conn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("failed to drain nats connection")
		}
	}
}

func startOpsServer(cfg config.Config, logger zerolog.Logger, runner *service.BatchRunner) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ServerHeader:          cfg.AppName,
		DisableStartupMessage: true,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		OpsHandler: handler.NewOpsHandler(cfg, runner),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()
	logger.Info().Str("addr", cfg.HTTPAddress()).Msg("ops server listening")

	return app
}

func shutdownOpsServer(app *fiber.App, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
}
