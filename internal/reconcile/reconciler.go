// Package reconcile recomputes the status of every order of a maker after
// one of the maker's balances or approvals changed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// OrderStore is the slice of the order store the reconciler needs.
type OrderStore interface {
	BuyBalanceCandidates(ctx context.Context, maker, currency string) ([]domain.StatusCandidate, error)
	HasBuyOrdersForConduit(ctx context.Context, maker, currency, conduit string) (bool, error)
	BuyApprovalCandidates(ctx context.Context, maker, currency, conduit string) ([]domain.StatusCandidate, error)
	DistinctBuyConduits(ctx context.Context, maker string, kind domain.OrderKind) ([]string, error)
	SellBalanceCandidates(ctx context.Context, maker, contract, tokenID string) ([]domain.StatusCandidate, error)
	SellApprovalCandidates(ctx context.Context, maker, contract, operator string) ([]domain.StatusCandidate, error)
	ApplyStatusChanges(ctx context.Context, changes []domain.StatusChange) ([]string, error)
}

// BalanceStore caches the chain state the candidate queries join against.
type BalanceStore interface {
	SetFTBalance(ctx context.Context, contract, owner string, amount *big.Int) error
	SetFTApproval(ctx context.Context, token, owner, spender string, value *big.Int) error
	SetNFTBalance(ctx context.Context, contract, tokenID, owner string, amount *big.Int) error
}

// Kinds classifies order kinds by custody.
type Kinds interface {
	IsEscrow(domain.OrderKind) bool
	IsPool(domain.OrderKind) bool
}

// TransitionRecorder observes status writes.
type TransitionRecorder interface {
	RecordTransition(source string, fill domain.FillabilityStatus, approval domain.ApprovalStatus)
}

// Reconciler handles order-updates-by-maker jobs.
type Reconciler struct {
	orders   OrderStore
	balances BalanceStore
	chain    domain.ChainReader
	queue    domain.JobQueue
	kinds    Kinds
	policy   Policy
	recorder TransitionRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Reconciler. recorder may be nil.
func New(
	orders OrderStore,
	balances BalanceStore,
	chain domain.ChainReader,
	queue domain.JobQueue,
	kinds Kinds,
	deny DenyLists,
	recorder TransitionRecorder,
	logger *slog.Logger,
) *Reconciler {
	if deny == nil {
		deny = DefaultDenyLists()
	}
	return &Reconciler{
		orders:   orders,
		balances: balances,
		chain:    chain,
		queue:    queue,
		kinds:    kinds,
		policy:   Policy{Deny: deny, IsPool: kinds.IsPool},
		recorder: recorder,
		logger:   logger.With(slog.String("component", "reconciler")),
		now:      time.Now,
	}
}

// Handle processes one job of the order-updates-by-maker queue.
func (r *Reconciler) Handle(ctx context.Context, job domain.Job) error {
	var mt domain.MakerTrigger
	if err := job.Decode(&mt); err != nil {
		return err
	}
	return r.Reconcile(ctx, mt)
}

// Reconcile recomputes the orders affected by mt, writes the changed rows
// and enqueues the follow-up jobs.
func (r *Reconciler) Reconcile(ctx context.Context, mt domain.MakerTrigger) error {
	if err := mt.Validate(); err != nil {
		return err
	}

	var (
		candidates []domain.StatusCandidate
		changes    []domain.StatusChange
		err        error
	)
	at := r.now().UTC()

	switch mt.Data.Kind {
	case domain.MakerBuyBalance:
		candidates, changes, err = r.buyBalance(ctx, mt, at)
	case domain.MakerBuyApproval:
		if mt.Data.Operator == "" {
			return r.fanOutConduits(ctx, mt)
		}
		candidates, changes, err = r.buyApproval(ctx, mt, at)
	case domain.MakerSellBalance:
		candidates, changes, err = r.sellBalance(ctx, mt, at)
	case domain.MakerSellApproval:
		candidates, changes, err = r.sellApproval(ctx, mt, at)
	}
	if err != nil {
		return fmt.Errorf("reconcile: %s for %s: %w", mt.Data.Kind, mt.Maker, err)
	}

	changed, err := r.orders.ApplyStatusChanges(ctx, changes)
	if err != nil {
		return fmt.Errorf("reconcile: %s for %s: %w", mt.Data.Kind, mt.Maker, err)
	}
	r.record(candidates, changes, changed)

	if err := r.enqueueFollowUps(ctx, mt, candidates, changed); err != nil {
		return err
	}

	if len(candidates) > 0 {
		r.logger.DebugContext(ctx, "maker orders reconciled",
			slog.String("context", mt.Context),
			slog.String("kind", string(mt.Data.Kind)),
			slog.String("maker", mt.Maker),
			slog.Int("candidates", len(candidates)),
			slog.Int("changed", len(changed)),
		)
	}
	return nil
}

func (r *Reconciler) buyBalance(ctx context.Context, mt domain.MakerTrigger, at time.Time) ([]domain.StatusCandidate, []domain.StatusChange, error) {
	balance, err := r.chain.ERC20Balance(ctx, mt.Data.Contract, mt.Maker)
	if err != nil {
		return nil, nil, err
	}
	if err := r.balances.SetFTBalance(ctx, mt.Data.Contract, mt.Maker, balance); err != nil {
		return nil, nil, err
	}

	candidates, err := r.orders.BuyBalanceCandidates(ctx, mt.Maker, mt.Data.Contract)
	if err != nil {
		return nil, nil, err
	}
	var changes []domain.StatusChange
	for _, c := range candidates {
		fill := BuyBalanceStatus(c, c.Balance)
		if ch, ok := r.policy.Decide(mt.Data.Kind, c, fill, c.ApprovalStatus, at); ok {
			changes = append(changes, ch)
		}
	}
	return candidates, changes, nil
}

func (r *Reconciler) buyApproval(ctx context.Context, mt domain.MakerTrigger, at time.Time) ([]domain.StatusCandidate, []domain.StatusChange, error) {
	live, err := r.orders.HasBuyOrdersForConduit(ctx, mt.Maker, mt.Data.Contract, mt.Data.Operator)
	if err != nil || !live {
		return nil, nil, err
	}

	allowance, err := r.chain.ERC20Allowance(ctx, mt.Data.Contract, mt.Maker, mt.Data.Operator)
	if err != nil {
		return nil, nil, err
	}
	if err := r.balances.SetFTApproval(ctx, mt.Data.Contract, mt.Maker, mt.Data.Operator, allowance); err != nil {
		return nil, nil, err
	}

	candidates, err := r.orders.BuyApprovalCandidates(ctx, mt.Maker, mt.Data.Contract, mt.Data.Operator)
	if err != nil {
		return nil, nil, err
	}
	var changes []domain.StatusChange
	for _, c := range candidates {
		approval := BuyApprovalStatus(c, allowance)
		if ch, ok := r.policy.Decide(mt.Data.Kind, c, c.FillabilityStatus, approval, at); ok {
			changes = append(changes, ch)
		}
	}
	return candidates, changes, nil
}

// fanOutConduits re-dispatches a buy-approval trigger that only names an
// order kind once per conduit the maker's bids of that kind use.
func (r *Reconciler) fanOutConduits(ctx context.Context, mt domain.MakerTrigger) error {
	conduits, err := r.orders.DistinctBuyConduits(ctx, mt.Maker, mt.Data.OrderKind)
	if err != nil {
		return fmt.Errorf("reconcile: conduits of %s: %w", mt.Maker, err)
	}
	jobs := make([]domain.Job, 0, len(conduits))
	for _, conduit := range conduits {
		next := mt
		next.Context = mt.Context + "-" + conduit
		next.Data.Operator = conduit
		next.Data.OrderKind = ""
		job, err := domain.NewJob(domain.QueueMakerUpdates, next.Context, next)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if err := r.queue.Enqueue(ctx, jobs...); err != nil {
		return fmt.Errorf("reconcile: fan out conduits of %s: %w", mt.Maker, err)
	}
	return nil
}

func (r *Reconciler) sellBalance(ctx context.Context, mt domain.MakerTrigger, at time.Time) ([]domain.StatusCandidate, []domain.StatusChange, error) {
	balance, err := r.chain.NFTBalance(ctx, mt.Data.Contract, mt.Data.TokenID, mt.Maker)
	if err != nil {
		return nil, nil, err
	}
	if err := r.balances.SetNFTBalance(ctx, mt.Data.Contract, mt.Data.TokenID, mt.Maker, balance); err != nil {
		return nil, nil, err
	}

	all, err := r.orders.SellBalanceCandidates(ctx, mt.Maker, mt.Data.Contract, mt.Data.TokenID)
	if err != nil {
		return nil, nil, err
	}
	candidates := r.withoutEscrow(all)
	var changes []domain.StatusChange
	for _, c := range candidates {
		fill := SellBalanceStatus(c, c.Balance)
		if ch, ok := r.policy.Decide(mt.Data.Kind, c, fill, c.ApprovalStatus, at); ok {
			changes = append(changes, ch)
		}
	}
	return candidates, changes, nil
}

func (r *Reconciler) sellApproval(ctx context.Context, mt domain.MakerTrigger, at time.Time) ([]domain.StatusCandidate, []domain.StatusChange, error) {
	all, err := r.orders.SellApprovalCandidates(ctx, mt.Maker, mt.Data.Contract, mt.Data.Operator)
	if err != nil {
		return nil, nil, err
	}
	candidates := r.withoutEscrow(all)

	var onChain *bool
	var changes []domain.StatusChange
	for _, c := range candidates {
		approved := c.Approved
		if approved == nil {
			if onChain == nil {
				v, err := r.chain.IsApprovedForAll(ctx, mt.Data.Contract, mt.Maker, mt.Data.Operator)
				if err != nil {
					return nil, nil, err
				}
				onChain = &v
			}
			approved = onChain
		}
		if ch, ok := r.policy.Decide(mt.Data.Kind, c, c.FillabilityStatus, SellApprovalStatus(*approved), at); ok {
			changes = append(changes, ch)
		}
	}
	return candidates, changes, nil
}

func (r *Reconciler) withoutEscrow(in []domain.StatusCandidate) []domain.StatusCandidate {
	out := in[:0:0]
	for _, c := range in {
		if !r.kinds.IsEscrow(c.Kind) {
			out = append(out, c)
		}
	}
	return out
}

// enqueueFollowUps asks for a revalidation of every visited order and
// notifies downstream consumers about the ones that changed.
func (r *Reconciler) enqueueFollowUps(ctx context.Context, mt domain.MakerTrigger, candidates []domain.StatusCandidate, changed []string) error {
	jobs := make([]domain.Job, 0, len(candidates)+len(changed))
	for _, c := range candidates {
		fix := domain.FixTrigger{
			Context: fmt.Sprintf("revalidation-%s-%s", mt.Trigger.TxHash, c.ID),
			By:      domain.FixByID,
			Data:    domain.FixData{ID: c.ID},
		}
		job, err := domain.NewJob(domain.QueueOrderFixes, fix.Context, fix)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	for _, id := range changed {
		update := domain.OrderUpdate{
			Context: mt.Context + "-" + id,
			ID:      id,
			Trigger: mt.Trigger,
		}
		job, err := domain.NewJob(domain.QueueOrderUpdatesID, update.Context, update)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if err := r.queue.Enqueue(ctx, jobs...); err != nil {
		return fmt.Errorf("reconcile: enqueue follow-ups for %s: %w", mt.Maker, err)
	}
	return nil
}

func (r *Reconciler) record(candidates []domain.StatusCandidate, changes []domain.StatusChange, changed []string) {
	if r.recorder == nil || len(changed) == 0 {
		return
	}
	sources := make(map[string]string, len(candidates))
	for _, c := range candidates {
		sources[c.ID] = c.SourceDomain
	}
	byID := make(map[string]domain.StatusChange, len(changes))
	for _, ch := range changes {
		byID[ch.ID] = ch
	}
	for _, id := range changed {
		ch := byID[id]
		r.recorder.RecordTransition(sources[id], ch.FillabilityStatus, ch.ApprovalStatus)
	}
}
