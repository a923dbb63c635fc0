package protocol

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// FillLedger sums the fills recorded against an order that have not been
// applied to its remaining quantity yet.
type FillLedger interface {
	PendingFillAmount(ctx context.Context, orderID string) (*big.Int, error)
}

// NonceLedger returns a maker's bulk-cancel counter for an order kind.
type NonceLedger interface {
	MasterNonce(ctx context.Context, kind domain.OrderKind, maker string) (*big.Int, error)
}

// Ledger bundles the store lookups that can prove an order filled or
// cancelled without asking the chain. A nil field skips that lookup.
type Ledger struct {
	Fills  FillLedger
	Nonces NonceLedger
}

// StandardChecker validates orders whose assets stay in the maker's wallet
// and move through an approved conduit: listings need the token and an
// ApprovalForAll, bids need the currency balance and an allowance.
type StandardChecker struct {
	reader domain.ChainReader
	ledger Ledger
}

// NewStandardChecker creates a StandardChecker that only looks at chain
// state.
func NewStandardChecker(reader domain.ChainReader) *StandardChecker {
	return &StandardChecker{reader: reader}
}

// WithLedger makes the checker report filled and cancelled orders from the
// store before it reads balances.
func (c *StandardChecker) WithLedger(l Ledger) *StandardChecker {
	c.ledger = l
	return c
}

// Check implements Checker.
func (c *StandardChecker) Check(ctx context.Context, o domain.Order) error {
	if err := c.checkLedger(ctx, o); err != nil {
		return err
	}

	var hasBalance, hasApproval bool
	var err error
	switch o.Side {
	case domain.OrderSideSell:
		hasBalance, hasApproval, err = c.checkListing(ctx, o)
	case domain.OrderSideBuy:
		hasBalance, hasApproval, err = c.checkBid(ctx, o)
	default:
		return fmt.Errorf("protocol: order %s has unknown side %q", o.ID, o.Side)
	}
	if err != nil {
		return err
	}
	return Combine(hasBalance, hasApproval)
}

func (c *StandardChecker) checkLedger(ctx context.Context, o domain.Order) error {
	if c.ledger.Nonces != nil && o.Nonce != nil {
		current, err := c.ledger.Nonces.MasterNonce(ctx, o.Kind, o.Maker)
		if err != nil {
			return fmt.Errorf("protocol: nonce of %s: %w", o.Maker, err)
		}
		if o.Nonce.Cmp(current) < 0 {
			return domain.Invalid(domain.ReasonCancelled)
		}
	}
	if c.ledger.Fills != nil {
		pending, err := c.ledger.Fills.PendingFillAmount(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("protocol: fills of %s: %w", o.ID, err)
		}
		if pending.Sign() > 0 && (o.QuantityRemaining == nil || pending.Cmp(o.QuantityRemaining) >= 0) {
			return domain.Invalid(domain.ReasonFilled)
		}
	}
	return nil
}

func (c *StandardChecker) checkListing(ctx context.Context, o domain.Order) (bool, bool, error) {
	contract, tokenID, ok := TokenOf(o.TokenSetID)
	if !ok {
		return false, false, fmt.Errorf("%w: listing %s on token set %s", domain.ErrUnsupportedKind, o.ID, o.TokenSetID)
	}
	balance, err := c.reader.NFTBalance(ctx, contract, tokenID, o.Maker)
	if err != nil {
		return false, false, fmt.Errorf("protocol: nft balance for %s: %w", o.ID, err)
	}
	// Partial ERC1155 holdings still leave something to fill.
	hasBalance := balance.Sign() > 0

	approved, err := c.reader.IsApprovedForAll(ctx, contract, o.Maker, o.Conduit)
	if err != nil {
		return false, false, fmt.Errorf("protocol: approval for %s: %w", o.ID, err)
	}
	return hasBalance, approved, nil
}

func (c *StandardChecker) checkBid(ctx context.Context, o domain.Order) (bool, bool, error) {
	total := domain.TotalPrice(o.CurrencyPrice, o.QuantityRemaining)
	balance, err := c.reader.ERC20Balance(ctx, o.Currency, o.Maker)
	if err != nil {
		return false, false, fmt.Errorf("protocol: currency balance for %s: %w", o.ID, err)
	}
	allowance, err := c.reader.ERC20Allowance(ctx, o.Currency, o.Maker, o.Conduit)
	if err != nil {
		return false, false, fmt.Errorf("protocol: allowance for %s: %w", o.ID, err)
	}
	return balance.Cmp(total) >= 0, allowance.Cmp(total) >= 0, nil
}

// Combine turns balance and approval results into a checker verdict.
func Combine(hasBalance, hasApproval bool) error {
	switch {
	case !hasBalance && !hasApproval:
		return domain.Invalid(domain.ReasonNoBalanceNA)
	case !hasBalance:
		return domain.Invalid(domain.ReasonNoBalance)
	case !hasApproval:
		return domain.Invalid(domain.ReasonNoApproval)
	}
	return nil
}

// TokenOf extracts contract and token id from a single-token set id.
func TokenOf(tokenSetID string) (contract, tokenID string, ok bool) {
	rest, found := strings.CutPrefix(tokenSetID, "token:")
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}
