package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftindexer/internal/config"
	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/events"
	"github.com/alanyoungcy/nftindexer/internal/jobs"
	"github.com/alanyoungcy/nftindexer/internal/notify"
	"github.com/alanyoungcy/nftindexer/internal/orderfix"
	"github.com/alanyoungcy/nftindexer/internal/partial"
	"github.com/alanyoungcy/nftindexer/internal/pipeline"
	"github.com/alanyoungcy/nftindexer/internal/platform/blur"
	"github.com/alanyoungcy/nftindexer/internal/protocol/paymentprocessor"
	"github.com/alanyoungcy/nftindexer/internal/reconcile"
	"github.com/alanyoungcy/nftindexer/internal/server"
	"github.com/alanyoungcy/nftindexer/internal/server/handler"
	"github.com/alanyoungcy/nftindexer/internal/service"
	"github.com/alanyoungcy/nftindexer/internal/tracer"
)

const eventsCursor = "events"

// WorkerMode consumes the four job queues until ctx ends.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	pool, err := a.startWorkers(ctx, g, deps)
	if err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, pool.Queues())
	}
	a.announceStartup(ctx, deps)
	return g.Wait()
}

// SyncMode follows the chain and sweeps expired orders.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startSync(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, allQueues())
	}
	a.announceStartup(ctx, deps)
	return g.Wait()
}

// FeedMode streams partial orders from the marketplace into the queue.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting feed mode")

	if !a.cfg.Partial.Enabled {
		return errors.New("app: feed mode requires partial.enabled")
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)
	a.announceStartup(ctx, deps)
	return g.Wait()
}

// ServerMode runs only the admin API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, allQueues())
	a.announceStartup(ctx, deps)
	return g.Wait()
}

// FullMode runs workers, sync, the feed (if enabled) and the admin API in
// one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	pool, err := a.startWorkers(ctx, g, deps)
	if err != nil {
		return err
	}
	a.startSync(ctx, g, deps)
	if a.cfg.Partial.Enabled {
		a.startFeed(ctx, g, deps)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, pool.Queues())
	}
	a.announceStartup(ctx, deps)
	return g.Wait()
}

// startWorkers registers a class per queue and adds the pool to g.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*jobs.Pool, error) {
	if deps.Sources != nil {
		if n, err := deps.Sources.Refresh(ctx); err != nil {
			a.logger.WarnContext(ctx, "source cache refresh failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "source cache loaded", slog.Int("sources", n))
		}
	}

	failures := service.NewFailureService(deps.DeadLetters(), deps.Notifier, a.logger)
	pool := jobs.NewPool(deps.Queue, failures, deps.JobMetrics, a.logger)

	reconciler := reconcile.New(
		deps.Orders, deps.Balances, deps.Chain, deps.Queue,
		deps.Registry, denyLists(a.cfg.Reconciler), deps.JobMetrics, a.logger,
	)
	fixer := orderfix.New(
		deps.Orders, deps.Registry, deps.LockManager, deps.SignalBus, deps.Queue,
		orderfix.Config{}, a.logger,
	)
	updates := service.NewUpdateService(deps.Orders, deps.SignalBus, a.logger)

	handlers := []struct {
		queue string
		qc    config.QueueConfig
		h     jobs.Handler
	}{
		{domain.QueueMakerUpdates, a.cfg.Queues.MakerUpdates, reconciler},
		{domain.QueueOrderFixes, a.cfg.Queues.OrderFixes, fixer},
		{domain.QueueOrderUpdatesID, a.cfg.Queues.OrderUpdates, updates},
	}
	if a.cfg.Partial.Enabled {
		merger := partial.New(
			deps.Orders, deps.Chain, deps.Sources, deps.LockManager, deps.Queue,
			partial.Config{
				Kind:            domain.KindBlur,
				SourceDomain:    a.cfg.Partial.SourceDomain,
				Conduit:         a.cfg.Partial.Conduit,
				Relay:           a.cfg.Partial.Relay,
				ListingCurrency: a.cfg.Partial.ListingCurrency,
				BidCurrency:     a.cfg.Partial.BidCurrency,
				FilterRegistry:  a.cfg.Partial.FilterRegistry,
			},
			a.logger,
		)
		handlers = append(handlers, struct {
			queue string
			qc    config.QueueConfig
			h     jobs.Handler
		}{domain.QueuePartialOrders, a.cfg.Queues.Partial, merger})
	}

	for _, hc := range handlers {
		class, err := jobClass(hc.queue, hc.qc, hc.h)
		if err != nil {
			return nil, err
		}
		pool.Register(class)
	}

	g.Go(func() error {
		return pool.Run(ctx)
	})
	return pool, nil
}

// startSync adds the log syncer and the expiry sweeper to g.
func (a *App) startSync(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sales := tracer.NewResolver(deps.Traces, deps.Exchange.Match(), paymentprocessor.DecodeSales, a.logger)
	verifier := tracer.NewVerifier(domain.KindPaymentProcessor, deps.Orders, deps.Balances, a.cfg.Resolver.NonceSearchWindow)

	processor := events.NewProcessor(
		deps.Balances, deps.Orders, deps.Balances, deps.Fills, deps.Queue,
		sales, verifier,
		events.Config{Exchange: deps.Exchange, Currencies: a.cfg.Chain.Currencies},
		a.logger,
	)
	syncer := pipeline.NewLogSyncer(deps.Chain, processor, deps.Sync, pipeline.SyncerConfig{
		Cursor:        eventsCursor,
		StartBlock:    a.cfg.Sync.StartBlock,
		Confirmations: a.cfg.Sync.Confirmations,
		BatchSize:     a.cfg.Sync.BatchSize,
	}, a.logger)
	sweeper := pipeline.NewExpirySweeper(deps.Orders, deps.LockManager, deps.Queue, a.logger)

	orch := pipeline.NewOrchestrator(syncer, sweeper, a.cfg.Sync.PollInterval.Duration, a.cfg.Sync.ExpiryCron, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startFeed adds the marketplace websocket feed to g.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	feed := blur.NewFeed(a.cfg.Partial.FeedURL, a.cfg.Partial.Collections, deps.Queue, a.logger)
	g.Go(func() error {
		return feed.Run(ctx)
	})
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. It
// listens on the configured port and shuts down gracefully when the context
// is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, queues []string) {
	if deps.Orders == nil {
		a.logger.WarnContext(ctx, "HTTP server disabled (no database in this mode)")
		return
	}

	checks := map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
	}
	if deps.Chain != nil {
		checks["chain"] = deps.Chain
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, queues, deps.Queue, deps.Orders, deps.Sync, eventsCursor, a.logger),
		Orders: handler.NewOrderHandler(deps.Orders, deps.Fills, a.logger),
		Fix:    handler.NewFixHandler(deps.Queue, a.logger),
		Audit:  handler.NewAuditHandler(deps.Audit, deps.DeadLetters(), a.logger),
	}
	if a.cfg.Metrics.Enabled {
		handlers.Metrics = promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		FixRateLimit: a.cfg.Server.FixRateLimit,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) announceStartup(ctx context.Context, deps *Dependencies) {
	msg := notify.Message{
		Event: notify.EventStartup,
		Title: "nft indexer started",
		Body:  fmt.Sprintf("mode %s", a.cfg.Mode),
	}
	if err := deps.Notifier.Notify(ctx, msg); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
	}
}

// jobClass converts a queue section of the config into a pool class.
func jobClass(queue string, qc config.QueueConfig, h jobs.Handler) (jobs.Class, error) {
	kind, err := jobs.ParseBackoffKind(qc.Backoff)
	if err != nil {
		return jobs.Class{}, fmt.Errorf("app: queue %s: %w", queue, err)
	}
	return jobs.Class{
		Queue:       queue,
		Concurrency: qc.Concurrency,
		MaxAttempts: qc.MaxAttempts,
		Backoff:     jobs.Backoff{Kind: kind, Delay: qc.BackoffDelay.Duration},
		Handler:     h,
	}, nil
}

func denyLists(c config.ReconcilerConfig) reconcile.DenyLists {
	return reconcile.DenyLists{
		domain.MakerBuyBalance:   c.BuyBalanceDeny,
		domain.MakerBuyApproval:  c.BuyApprovalDeny,
		domain.MakerSellBalance:  c.SellBalanceDeny,
		domain.MakerSellApproval: c.SellApprovalDeny,
	}
}

func allQueues() []string {
	return []string{
		domain.QueueMakerUpdates,
		domain.QueueOrderFixes,
		domain.QueueOrderUpdatesID,
		domain.QueuePartialOrders,
	}
}
