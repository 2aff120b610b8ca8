// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leadroute/leadroute/pkg/config"
	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/otelhelper"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/registry"
	"github.com/leadroute/leadroute/pkg/services"
	"github.com/leadroute/leadroute/pkg/vault"
	"github.com/leadroute/leadroute/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

// Components is the routing core shared by both binaries.
type Components struct {
	Persistence persistence.Persistence
	Vault       *vault.Vault
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Dispatcher  *dispatcher.Dispatcher
	Interpreter *workflow.Interpreter
	Graph       *workflow.Validator

	logger *slog.Logger
}

// NewComponents wires the vault, registry, ledger, dispatcher and interpreter over the store.
func NewComponents(cfg *config.Config, store persistence.Persistence, tracer trace.Tracer, logger *slog.Logger) (*Components, error) {
	passphrase, err := vault.ResolvePassphrase(logger, cfg.Environment, cfg.Vault.Passphrase)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	partners := registry.New(store.PartnerRepository(), logger)
	distributions := ledger.New(store.DistributionRepository(), partners, logger)

	sender := dispatcher.New(v, distributions, partners, logger,
		dispatcher.WithTracer(tracer),
		dispatcher.WithUserAgent(cfg.Dispatcher.UserAgent),
		dispatcher.WithSource(cfg.Dispatcher.Source),
	)

	interpreter := workflow.NewInterpreter(store.WorkflowRepository(), partners, distributions, sender, logger,
		workflow.WithMaxSteps(cfg.Interpreter.MaxSteps),
		workflow.WithConcurrency(cfg.Interpreter.Concurrency),
		workflow.WithTracer(tracer),
		workflow.WithSource(cfg.Dispatcher.Source),
	)

	return &Components{
		Persistence: store,
		Vault:       v,
		Registry:    partners,
		Ledger:      distributions,
		Dispatcher:  sender,
		Interpreter: interpreter,
		Graph:       workflow.NewValidator(partners),
		logger:      logger,
	}, nil
}

func (c *Components) WorkflowService() *services.Workflow {
	return services.NewWorkflow(c.Persistence, c.Graph, c.Interpreter, c.Ledger, c.logger)
}

func (c *Components) PartnerService() *services.Partner {
	return services.NewPartner(c.Persistence, c.Vault, c.Dispatcher, c.logger)
}

func (c *Components) DistributionService() *services.Distribution {
	return services.NewDistribution(c.Ledger, c.Registry, c.Dispatcher, c.logger)
}

// NewTracer returns an OTLP tracer when enabled and a noop tracer otherwise.
//
// nolint:ireturn
func NewTracer(ctx context.Context, enabled bool, serviceName string, logger *slog.Logger) (trace.Tracer, otelhelper.ShutdownFunc, error) {
	if !enabled {
		return otelhelper.NoopTracer(), func(context.Context) error { return nil }, nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	logger.InfoContext(ctx, "OpenTelemetry tracing enabled", "service", serviceName)

	return tracer, shutdown, nil
}
