package protocol

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// EscrowChecker validates listings whose token sits in the exchange
// contract. The listing is live while the exchange still holds the token.
type EscrowChecker struct {
	reader domain.ChainReader
}

// NewEscrowChecker creates an EscrowChecker.
func NewEscrowChecker(reader domain.ChainReader) *EscrowChecker {
	return &EscrowChecker{reader: reader}
}

// Check implements Checker.
func (c *EscrowChecker) Check(ctx context.Context, o domain.Order) error {
	if o.Side != domain.OrderSideSell {
		return fmt.Errorf("%w: escrowed %s bid %s", domain.ErrUnsupportedKind, o.Kind, o.ID)
	}
	contract, tokenID, ok := TokenOf(o.TokenSetID)
	if !ok {
		return fmt.Errorf("%w: escrowed listing %s on %s", domain.ErrUnsupportedKind, o.ID, o.TokenSetID)
	}
	held, err := c.reader.NFTBalance(ctx, contract, tokenID, o.Conduit)
	if err != nil {
		return fmt.Errorf("protocol: escrow balance for %s: %w", o.ID, err)
	}
	if held.Sign() <= 0 {
		return domain.Invalid(domain.ReasonCancelled)
	}
	return nil
}
