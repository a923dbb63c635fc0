// Package protocol holds the per-marketplace knowledge the status engines
// need: how to re-check an order against the chain and how the protocol
// holds the maker's assets.
package protocol

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Checker re-validates an order against live chain state. It returns nil
// when the order is fillable and approved, a *domain.InvalidationError for
// a recognized reason, and any other error when it cannot tell.
type Checker interface {
	Check(ctx context.Context, o domain.Order) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, o domain.Order) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, o domain.Order) error { return f(ctx, o) }

// Custody describes who holds the asset behind an order.
type Custody int

const (
	// CustodyMaker orders are backed by the maker's own wallet.
	CustodyMaker Custody = iota
	// CustodyEscrow orders are backed by assets the exchange holds.
	CustodyEscrow
	// CustodyPool orders are backed by an AMM pool's inventory.
	CustodyPool
)

func (c Custody) String() string {
	switch c {
	case CustodyEscrow:
		return "escrow"
	case CustodyPool:
		return "pool"
	default:
		return "maker"
	}
}

// Entry describes one order kind.
type Entry struct {
	Kind    domain.OrderKind
	Custody Custody
	Checker Checker // nil when the kind cannot be checked off-chain
}

// Registry maps order kinds to their entries. It is immutable once built.
type Registry struct {
	entries map[domain.OrderKind]Entry
}

// NewRegistry builds a registry. Later entries for the same kind win.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[domain.OrderKind]Entry, len(entries))}
	for _, e := range entries {
		r.entries[e.Kind] = e
	}
	return r
}

// Lookup returns the entry for kind.
func (r *Registry) Lookup(kind domain.OrderKind) (Entry, bool) {
	e, ok := r.entries[kind]
	return e, ok
}

// Check dispatches to the kind's checker.
func (r *Registry) Check(ctx context.Context, o domain.Order) error {
	e, ok := r.entries[o.Kind]
	if !ok || e.Checker == nil {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, o.Kind)
	}
	return e.Checker.Check(ctx, o)
}

// IsEscrow reports whether kind keeps the maker's asset in escrow. Balance
// and approval signals of the maker never apply to such orders.
func (r *Registry) IsEscrow(kind domain.OrderKind) bool {
	e, ok := r.entries[kind]
	return ok && e.Custody == CustodyEscrow
}

// IsPool reports whether kind is backed by an AMM pool. Pool orders are
// repriced by the pool itself and must never be reactivated from a maker
// balance signal.
func (r *Registry) IsPool(kind domain.OrderKind) bool {
	e, ok := r.entries[kind]
	return ok && e.Custody == CustodyPool
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []domain.OrderKind {
	kinds := make([]domain.OrderKind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
