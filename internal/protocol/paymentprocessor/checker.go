package paymentprocessor

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/protocol"
	"github.com/alanyoungcy/nftindexer/internal/tracer"
)

// Checker re-validates stored payment processor orders: a master nonce
// bump cancels them, otherwise the maker's balance and approval towards
// the exchange decide.
type Checker struct {
	exchange Exchange
	nonces   tracer.MasterNonces
	standard protocol.Checker
}

// NewChecker creates a Checker. fills may be nil to skip the lookup of
// recorded but unapplied sales.
func NewChecker(exchange Exchange, nonces tracer.MasterNonces, fills protocol.FillLedger, reader domain.ChainReader) *Checker {
	return &Checker{
		exchange: exchange,
		nonces:   nonces,
		standard: protocol.NewStandardChecker(reader).WithLedger(protocol.Ledger{Fills: fills}),
	}
}

// Check implements protocol.Checker.
func (c *Checker) Check(ctx context.Context, o domain.Order) error {
	var data Order
	if err := o.RawData.Decode(domain.SchemaPaymentProcessor, RawDataVersion, &data); err != nil {
		return fmt.Errorf("paymentprocessor: order %s: %w", o.ID, err)
	}
	if data.MasterNonce != nil {
		current, err := c.nonces.MasterNonce(ctx, domain.KindPaymentProcessor, o.Maker)
		if err != nil {
			return fmt.Errorf("paymentprocessor: master nonce of %s: %w", o.Maker, err)
		}
		if data.MasterNonce.Cmp(current) < 0 {
			return domain.Invalid(domain.ReasonCancelled)
		}
	}

	// Transfers are pulled by the exchange itself.
	if o.Conduit == "" {
		o.Conduit = strings.ToLower(c.exchange.Address.Hex())
	}
	return c.standard.Check(ctx, o)
}
