package protocol

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// BlurChecker checks partial listings like any maker-custody listing. Bid
// pools aggregate many bidders and cannot be checked per maker.
func BlurChecker(standard *StandardChecker) Checker {
	return CheckerFunc(func(ctx context.Context, o domain.Order) error {
		if o.Side == domain.OrderSideBuy {
			return fmt.Errorf("%w: blur bid pool %s", domain.ErrUnsupportedKind, o.ID)
		}
		return standard.Check(ctx, o)
	})
}

// DefaultRegistry registers every kind the indexer knows about. Maker
// custody kinds consult ledger before the chain. pp may be nil when payment
// processor support is disabled.
func DefaultRegistry(reader domain.ChainReader, ledger Ledger, pp Checker) *Registry {
	standard := NewStandardChecker(reader).WithLedger(ledger)
	pool := NewPoolChecker(reader)
	entries := []Entry{
		{Kind: domain.KindSeaport, Checker: standard},
		{Kind: domain.KindSeaportV15, Checker: standard},
		{Kind: domain.KindLooksRareV2, Checker: standard},
		{Kind: domain.KindX2Y2, Checker: standard},
		{Kind: domain.KindZeroExV4ERC721, Checker: standard},
		{Kind: domain.KindZeroExV4ERC1155, Checker: standard},
		{Kind: domain.KindRarible, Checker: standard},
		{Kind: domain.KindBlur, Checker: BlurChecker(standard)},
		{Kind: domain.KindSudoswap, Custody: CustodyPool, Checker: pool},
		{Kind: domain.KindSudoswapV2, Custody: CustodyPool, Checker: pool},
		{Kind: domain.KindNFTX, Custody: CustodyPool, Checker: pool},
		{Kind: domain.KindCaviarV1, Custody: CustodyPool, Checker: pool},
		{Kind: domain.KindFoundation, Custody: CustodyEscrow, Checker: NewEscrowChecker(reader)},
		{Kind: domain.KindCryptoPunks, Custody: CustodyEscrow},
	}
	if pp != nil {
		entries = append(entries, Entry{Kind: domain.KindPaymentProcessor, Checker: pp})
	}
	return NewRegistry(entries...)
}
