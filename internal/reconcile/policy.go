package reconcile

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// DenyLists holds, per trigger kind, the source domains whose orders are
// cancelled instead of parked when they lose balance or approval.
type DenyLists map[domain.MakerDataKind][]string

// DefaultDenyLists are the sources whose off-chain books drop orders that
// lose funding and never bring them back.
func DefaultDenyLists() DenyLists {
	return DenyLists{
		domain.MakerBuyBalance:   {"opensea.io", "x2y2.io"},
		domain.MakerBuyApproval:  {"x2y2.io"},
		domain.MakerSellBalance:  {"blur.io", "x2y2.io", "opensea.io"},
		domain.MakerSellApproval: {"blur.io", "x2y2.io"},
	}
}

// Denies reports whether orders of source are cancelled for kind.
func (d DenyLists) Denies(kind domain.MakerDataKind, source string) bool {
	for _, s := range d[kind] {
		if s == source {
			return true
		}
	}
	return false
}

// Policy holds the inputs of the status computations that are not part of
// the candidate row.
type Policy struct {
	Deny   DenyLists
	IsPool func(domain.OrderKind) bool
}

// BuyBalanceStatus returns the fillability of a bid given the maker's
// currency balance.
func BuyBalanceStatus(c domain.StatusCandidate, balance *big.Int) domain.FillabilityStatus {
	if balance != nil && balance.Cmp(domain.TotalPrice(c.CurrencyPrice, c.QuantityRemaining)) >= 0 {
		return domain.FillabilityFillable
	}
	return domain.FillabilityNoBalance
}

// BuyApprovalStatus returns the approval of a bid given the maker's
// allowance towards the order's conduit.
func BuyApprovalStatus(c domain.StatusCandidate, allowance *big.Int) domain.ApprovalStatus {
	if allowance != nil && allowance.Cmp(domain.TotalPrice(c.CurrencyPrice, c.QuantityRemaining)) >= 0 {
		return domain.ApprovalApproved
	}
	return domain.ApprovalNoApproval
}

// SellBalanceStatus returns the fillability of a listing given the maker's
// token balance. The stored quantity is left alone so a restored balance
// can bring the order back.
func SellBalanceStatus(c domain.StatusCandidate, balance *big.Int) domain.FillabilityStatus {
	fillable := new(big.Int)
	if balance != nil && c.QuantityRemaining != nil {
		fillable = minInt(balance, c.QuantityRemaining)
	}
	if fillable.Sign() > 0 {
		return domain.FillabilityFillable
	}
	return domain.FillabilityNoBalance
}

// SellApprovalStatus maps an ApprovalForAll flag to an approval status.
func SellApprovalStatus(approved bool) domain.ApprovalStatus {
	if approved {
		return domain.ApprovalApproved
	}
	return domain.ApprovalNoApproval
}

// Decide turns a recomputed status pair into the write to perform, or
// reports false when the row must be left alone. Unchanged rows are
// filtered before the deny-list is consulted.
func (p Policy) Decide(kind domain.MakerDataKind, c domain.StatusCandidate, fill domain.FillabilityStatus, approval domain.ApprovalStatus, at time.Time) (domain.StatusChange, bool) {
	if fill == c.FillabilityStatus && approval == c.ApprovalStatus {
		return domain.StatusChange{}, false
	}

	// Pool orders can be parked here but only a reprice brings them back.
	if p.IsPool != nil && p.IsPool(c.Kind) &&
		fill == domain.FillabilityFillable && c.FillabilityStatus != domain.FillabilityFillable {
		return domain.StatusChange{}, false
	}

	lost := fill == domain.FillabilityNoBalance
	if kind == domain.MakerBuyApproval || kind == domain.MakerSellApproval {
		lost = approval == domain.ApprovalNoApproval
	}
	if lost && p.Deny.Denies(kind, c.SourceDomain) {
		fill = domain.FillabilityCancelled
	}

	return domain.StatusChange{
		ID:                c.ID,
		FillabilityStatus: fill,
		ApprovalStatus:    approval,
		Expiration:        domain.ExpirationFor(fill, approval, c.ValidBetween, at),
	}, true
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
