package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs crash recovery once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically expires ledger rows abandoned by a crashed or stalled worker.
type Sweeper struct {
	ledger   *Ledger
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper. An empty schedule means DefaultSweepSchedule.
func NewSweeper(ledger *Ledger, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	return &Sweeper{
		ledger:   ledger,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   logger.With("module", "ledger_sweeper"),
	}
}

// Validate checks the schedule expression.
func (s *Sweeper) Validate() error {
	_, err := cron.ParseStandard(s.schedule)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule '%s': %w", s.schedule, err)
	}

	return nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	err := s.Validate()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Ledger sweeper started", "schedule", s.schedule, "entry_id", entryID)

	return nil
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	expired, err := s.ledger.ExpireStale(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Ledger sweep failed", "expired", expired, "error", err)

		return expired
	}

	if expired > 0 {
		s.logger.InfoContext(ctx, "Ledger sweep expired abandoned entries", "expired", expired)
	}

	return expired
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	done := s.cron.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.cron = nil
	s.logger.Info("Ledger sweeper stopped")

	return nil
}
