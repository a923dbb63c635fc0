// Package orderfix re-validates single orders against the protocol that
// issued them, or fans a re-validation out over a token, maker or
// collection.
package orderfix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/protocol"
)

const (
	defaultPageSize     = 500
	defaultCheckTimeout = 20 * time.Second
	resyncThrottle      = time.Hour

	// PoolResyncStream receives requests to reprice a whole AMM pool.
	PoolResyncStream = "pool-resync"
)

// OrderStore is the slice of the order store the fixer needs.
type OrderStore interface {
	GetPotentiallyValid(ctx context.Context, id string) (domain.Order, error)
	ListPotentiallyValidIDs(ctx context.Context, by domain.FixBy, key, afterID string, limit int) ([]string, error)
	UpdateStatus(ctx context.Context, id string, fill domain.FillabilityStatus, approval domain.ApprovalStatus, at time.Time) (time.Time, bool, error)
}

// Registry resolves order kinds to checkers.
type Registry interface {
	Lookup(kind domain.OrderKind) (protocol.Entry, bool)
}

// PoolResync is published when a pool order is re-checked and the pool has
// not been resynced within the throttle window.
type PoolResync struct {
	Kind     domain.OrderKind `json:"kind"`
	Pool     string           `json:"pool"`
	Contract string           `json:"contract"`
	OrderID  string           `json:"orderId"`
}

// Config tunes a Fixer.
type Config struct {
	PageSize     int
	CheckTimeout time.Duration
}

// Fixer handles order-fixes jobs.
type Fixer struct {
	orders   OrderStore
	registry Registry
	locks    domain.LockManager
	bus      domain.SignalBus
	queue    domain.JobQueue
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Fixer.
func New(orders OrderStore, registry Registry, locks domain.LockManager, bus domain.SignalBus, queue domain.JobQueue, cfg Config, logger *slog.Logger) *Fixer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	return &Fixer{
		orders:   orders,
		registry: registry,
		locks:    locks,
		bus:      bus,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "order-fixer")),
		now:      time.Now,
	}
}

// Handle processes one job of the order-fixes queue.
func (f *Fixer) Handle(ctx context.Context, job domain.Job) error {
	var ft domain.FixTrigger
	if err := job.Decode(&ft); err != nil {
		return err
	}
	return f.Fix(ctx, ft)
}

// Fix runs ft.
func (f *Fixer) Fix(ctx context.Context, ft domain.FixTrigger) error {
	if err := ft.Validate(); err != nil {
		return err
	}
	if ft.By == domain.FixByID {
		return f.fixOrder(ctx, ft.Data.ID)
	}
	return f.fanOut(ctx, ft)
}

func (f *Fixer) fixOrder(ctx context.Context, id string) error {
	o, err := f.orders.GetPotentiallyValid(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("orderfix: load %s: %w", id, err)
	}

	fill, approval, ok, err := f.evaluate(ctx, o)
	if err != nil || !ok {
		return err
	}

	updatedAt, changed, err := f.orders.UpdateStatus(ctx, o.ID, fill, approval, f.now().UTC())
	if err != nil {
		return fmt.Errorf("orderfix: update %s: %w", o.ID, err)
	}
	if !changed {
		return nil
	}

	f.logger.InfoContext(ctx, "order status fixed",
		slog.String("order_id", o.ID),
		slog.String("kind", string(o.Kind)),
		slog.String("fillability", string(fill)),
		slog.String("approval", string(approval)),
	)

	update := domain.OrderUpdate{
		Context: fmt.Sprintf("revalidation-%s-%d", o.ID, updatedAt.UnixMicro()),
		ID:      o.ID,
		Trigger: domain.Trigger{Kind: domain.TriggerRevalidation},
	}
	job, err := domain.NewJob(domain.QueueOrderUpdatesID, update.Context, update)
	if err != nil {
		return err
	}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("orderfix: notify %s: %w", o.ID, err)
	}
	return nil
}

// evaluate computes the status pair o should have. ok is false when there is
// not enough information to write anything.
func (f *Fixer) evaluate(ctx context.Context, o domain.Order) (domain.FillabilityStatus, domain.ApprovalStatus, bool, error) {
	if o.QuantityRemaining == nil || o.QuantityRemaining.Sign() <= 0 {
		return domain.FillabilityFilled, o.ApprovalStatus, true, nil
	}

	entry, found := f.registry.Lookup(o.Kind)
	if !found {
		f.logger.WarnContext(ctx, "no checker for order kind",
			slog.String("order_id", o.ID),
			slog.String("kind", string(o.Kind)),
		)
		return "", "", false, nil
	}
	if entry.Custody == protocol.CustodyPool {
		f.requestPoolResync(ctx, o)
	}
	if entry.Checker == nil {
		return "", "", false, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, f.cfg.CheckTimeout)
	defer cancel()
	err := entry.Checker.Check(checkCtx, o)
	if err == nil {
		// Pool orders come back through the resync only.
		if entry.Custody == protocol.CustodyPool && o.FillabilityStatus != domain.FillabilityFillable {
			return "", "", false, nil
		}
		return domain.FillabilityFillable, domain.ApprovalApproved, true, nil
	}

	var inv *domain.InvalidationError
	if errors.As(err, &inv) {
		fill, approval, ok := domain.StatusesFor(inv.Reason)
		return fill, approval, ok, nil
	}
	if isTransient(checkCtx, err) {
		return "", "", false, fmt.Errorf("orderfix: check %s: %w", o.ID, err)
	}
	f.logger.WarnContext(ctx, "order check inconclusive",
		slog.String("order_id", o.ID),
		slog.String("kind", string(o.Kind)),
		slog.String("error", err.Error()),
	)
	return "", "", false, nil
}

// requestPoolResync asks for a full pool reprice at most once per hour per
// pool. Failures only cost the resync.
func (f *Fixer) requestPoolResync(ctx context.Context, o domain.Order) {
	pd, err := protocol.PoolOf(o)
	if err != nil {
		f.logger.WarnContext(ctx, "pool order without pool",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	key := fmt.Sprintf("order-fixes:%s:%s", o.Kind, pd.Pool)
	acquired, err := f.locks.TryThrottle(ctx, key, resyncThrottle)
	if err != nil || !acquired {
		return
	}

	payload, err := json.Marshal(PoolResync{Kind: o.Kind, Pool: pd.Pool, Contract: o.Contract, OrderID: o.ID})
	if err != nil {
		return
	}
	if err := f.bus.StreamAppend(ctx, PoolResyncStream, payload); err != nil {
		f.logger.WarnContext(ctx, "pool resync request failed",
			slog.String("pool", pd.Pool),
			slog.String("error", err.Error()),
		)
	}
}

// fanOut enqueues one by-id fix per potentially valid order in scope.
func (f *Fixer) fanOut(ctx context.Context, ft domain.FixTrigger) error {
	prefix := ft.Context
	if prefix == "" {
		prefix = domain.PayloadKey("fix", ft)
	}

	total := 0
	after := ""
	for {
		ids, err := f.orders.ListPotentiallyValidIDs(ctx, ft.By, ft.Key(), after, f.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("orderfix: list by %s %s: %w", ft.By, ft.Key(), err)
		}
		if len(ids) == 0 {
			break
		}

		jobs := make([]domain.Job, 0, len(ids))
		for _, id := range ids {
			child := domain.FixTrigger{Context: prefix + "-" + id, By: domain.FixByID, Data: domain.FixData{ID: id}}
			job, err := domain.NewJob(domain.QueueOrderFixes, child.Context, child)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		if err := f.queue.Enqueue(ctx, jobs...); err != nil {
			return fmt.Errorf("orderfix: enqueue fixes by %s: %w", ft.By, err)
		}

		total += len(ids)
		after = ids[len(ids)-1]
		if len(ids) < f.cfg.PageSize {
			break
		}
	}

	f.logger.InfoContext(ctx, "order fixes fanned out",
		slog.String("by", string(ft.By)),
		slog.String("key", ft.Key()),
		slog.Int("orders", total),
	)
	return nil
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
