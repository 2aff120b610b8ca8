package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/leadroute/leadroute/pkg/eventbus"
	"github.com/leadroute/leadroute/pkg/events"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/services"
)

// Intake feeds submissions into the bus from an outside source.
type Intake interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// WorkerManager consumes submission events, runs them through the workflows and keeps the
// ledger sweeper running.
type WorkerManager struct {
	id       string
	logger   *slog.Logger
	router   *services.Router
	eventBus eventbus.EventBus
	sweeper  *ledger.Sweeper
	intakes  []Intake
}

func NewWorkerManager(
	id string,
	router *services.Router,
	eventBus eventbus.EventBus,
	sweeper *ledger.Sweeper,
	logger *slog.Logger,
	intakes ...Intake,
) *WorkerManager {
	return &WorkerManager{
		id:       id,
		logger:   logger.With("module", "leadroute-worker", "worker_id", id),
		router:   router,
		eventBus: eventBus,
		sweeper:  sweeper,
		intakes:  intakes,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.SubmissionReceivedEvent, w.router.HandleSubmissionReceived)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	for _, intake := range w.intakes {
		err = intake.Start(ctx)
		if err != nil {
			return err
		}
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// Stop stops the intakes first so nothing new is accepted, then the sweeper.
func (w *WorkerManager) Stop(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Shutting down worker...")

	var errs []error

	for _, intake := range w.intakes {
		errs = append(errs, intake.Stop(ctx))
	}

	errs = append(errs, w.sweeper.Stop(ctx))

	return errors.Join(errs...)
}
