package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/leadroute/leadroute/pkg/cmd"
	"github.com/leadroute/leadroute/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "leadroute-api",
		Usage:                 "Manage workflows and partner APIs, inspect and retry distributions",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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

	logger := log.WithModule("leadroute-api")

	err = cfg.Validate()
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Initializing LeadRoute API", "environment", cfg.Environment, "event_bus", cfg.EventBus.Type)

	tracer, shutdownTracer, err := cmd.NewTracer(ctx, cfg.OTel.Enabled, "leadroute-api", logger)
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

	api := NewAPI(logger, components, eventBus)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.EventBus.Type == "gochannel" {
		logger.WarnContext(ctx, "in-process event bus: submissions are routed by this API process")

		err = api.RouteInProcess(ctx, cmd.WorkerID(cfg.WorkerID, "api"))
		if err != nil {
			return err
		}
	}

	app := api.App()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := app.ShutdownWithContext(shutdownCtx)
		if err != nil {
			logger.ErrorContext(shutdownCtx, "Failed to shutdown API server", "error", err)
		}
	}()

	err = app.Listen(":" + strconv.Itoa(cfg.Server.Port))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start API server", "error", err)

		return err
	}

	return nil
}
