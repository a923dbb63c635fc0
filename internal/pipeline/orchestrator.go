package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the chain-facing goroutines: log syncing and the
// expiry sweep.
type Orchestrator struct {
	syncer       *LogSyncer
	sweeper      *ExpirySweeper
	syncInterval time.Duration
	expiryCron   string
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. A nil sweeper disables the
// expiry sweep.
func NewOrchestrator(
	syncer *LogSyncer,
	sweeper *ExpirySweeper,
	syncInterval time.Duration,
	expiryCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		syncer:       syncer,
		sweeper:      sweeper,
		syncInterval: syncInterval,
		expiryCron:   expiryCron,
		logger:       logger,
	}
}

// Run starts all sub-pipelines as concurrent goroutines using an errgroup. Each
// goroutine respects ctx cancellation. If any goroutine returns a non-context
// error, the errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("sync_interval", o.syncInterval),
		slog.String("expiry_cron", o.expiryCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.logger.Info("starting log syncer loop")
		err := o.syncer.RunLoop(ctx, o.syncInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("log syncer: %w", err)
	})

	if o.sweeper != nil {
		g.Go(func() error {
			o.logger.Info("starting expiry cron")
			err := o.sweeper.RunCron(ctx, o.expiryCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("expiry sweeper: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
