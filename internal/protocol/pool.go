package protocol

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const poolDataVersion = 1

// PoolOf returns the AMM pool backing an order.
func PoolOf(o domain.Order) (domain.PoolData, error) {
	var pd domain.PoolData
	if err := o.RawData.Decode(domain.SchemaPool, poolDataVersion, &pd); err != nil {
		return domain.PoolData{}, fmt.Errorf("protocol: pool of %s: %w", o.ID, err)
	}
	if pd.Pool == "" {
		return domain.PoolData{}, fmt.Errorf("%w: order %s has no pool", domain.ErrUnsupportedData, o.ID)
	}
	return pd, nil
}

// PoolChecker verifies that a pool still holds the token a pool listing
// sells. Pool bids are priced by the pool's curve and are left to a resync.
type PoolChecker struct {
	reader domain.ChainReader
}

// NewPoolChecker creates a PoolChecker.
func NewPoolChecker(reader domain.ChainReader) *PoolChecker {
	return &PoolChecker{reader: reader}
}

// Check implements Checker.
func (c *PoolChecker) Check(ctx context.Context, o domain.Order) error {
	if o.Side != domain.OrderSideSell {
		return fmt.Errorf("%w: %s pool bid %s", domain.ErrUnsupportedKind, o.Kind, o.ID)
	}
	pd, err := PoolOf(o)
	if err != nil {
		return err
	}
	contract, tokenID, ok := TokenOf(o.TokenSetID)
	if !ok {
		contract, tokenID = o.Contract, pd.TokenID
	}
	if tokenID == "" {
		return fmt.Errorf("%w: pool listing %s without token", domain.ErrUnsupportedData, o.ID)
	}
	held, err := c.reader.NFTBalance(ctx, contract, tokenID, pd.Pool)
	if err != nil {
		return fmt.Errorf("protocol: pool %s balance: %w", pd.Pool, err)
	}
	if held.Sign() <= 0 {
		return domain.Invalid(domain.ReasonNoBalance)
	}
	return nil
}
