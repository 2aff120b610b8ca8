package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/leadroute/leadroute/pkg/cmd"
	"github.com/leadroute/leadroute/pkg/config"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/log"
	"github.com/leadroute/leadroute/pkg/receivers/redisqueue"
	"github.com/leadroute/leadroute/pkg/services"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "leadroute-worker",
		EnableShellCompletion: true,
		Usage:                 "Route submissions to partner APIs",
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the submission intake queue (disabled when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-queue",
				Usage:   "Redis list the intake consumes",
				Sources: cli.EnvVars("REDIS_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the stale delivery sweeper",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
		),
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	cfg, err := cmd.LoadConfig(command)
	if err != nil {
		return err
	}

	log.SetupWith(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	err = cfg.Validate()
	if err != nil {
		return err
	}

	workerID := cmd.WorkerID(cfg.WorkerID, "worker")

	logger := log.WithModule("leadroute-worker").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing LeadRoute Worker", "environment", cfg.Environment, "event_bus", cfg.EventBus.Type)

	tracer, shutdownTracer, err := cmd.NewTracer(ctx, cfg.OTel.Enabled, "leadroute-worker", logger)
	if err != nil {
		return err
	}

	defer func() {
		err := shutdownTracer(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
		}
	}()

	persistence, err := cmd.NewPersistence(ctx, logger, cfg.Database.URL)
	if err != nil {
		return err
	}

	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(cfg.EventBus, cfg.OTel.Enabled, logger)
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	components, err := cmd.NewComponents(cfg, persistence, tracer, logger)
	if err != nil {
		return err
	}

	intakes, err := newIntakes(ctx, cfg, services.NewSubmission(eventBus, logger), logger)
	if err != nil {
		return err
	}

	worker := NewWorkerManager(
		workerID,
		services.NewRouter(components.Interpreter, eventBus, workerID, logger),
		eventBus,
		ledger.NewSweeper(components.Ledger, cfg.Sweeper.Schedule, logger),
		logger,
		intakes...,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = worker.Start(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start worker", "error", err)

		return err
	}

	<-ctx.Done()

	return worker.Stop(context.WithoutCancel(ctx))
}

// newIntakes returns the Redis intake when a Redis URL is configured.
func newIntakes(ctx context.Context, cfg *config.Config, submitter redisqueue.Submitter, logger *slog.Logger) ([]Intake, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}

	client, err := redisqueue.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	receiver := redisqueue.NewReceiver(client, submitter, redisqueue.Config{
		Queue:       cfg.Redis.Queue,
		IsPermanent: services.IsValidationError,
	}, logger)

	// The receiver owns the client and closes it on Stop.
	return []Intake{receiver}, nil
}
