package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether the order is a bid or a listing.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// FillabilityStatus describes whether the maker can still deliver.
type FillabilityStatus string

const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityNoBalance FillabilityStatus = "no-balance"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityExpired   FillabilityStatus = "expired"
)

// Terminal reports whether the status can never be left again.
func (s FillabilityStatus) Terminal() bool {
	switch s {
	case FillabilityCancelled, FillabilityFilled, FillabilityExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known fillability status.
func (s FillabilityStatus) Valid() bool {
	switch s {
	case FillabilityFillable, FillabilityNoBalance, FillabilityCancelled, FillabilityFilled, FillabilityExpired:
		return true
	}
	return false
}

// ApprovalStatus describes whether the exchange may move the maker's assets.
type ApprovalStatus string

const (
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalNoApproval ApprovalStatus = "no-approval"
	ApprovalDisabled   ApprovalStatus = "disabled"
)

// Valid reports whether s is a known approval status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalApproved, ApprovalNoApproval, ApprovalDisabled:
		return true
	}
	return false
}

// OrderKind names the marketplace protocol an order belongs to.
type OrderKind string

const (
	KindSeaport          OrderKind = "seaport"
	KindSeaportV15       OrderKind = "seaport-v1.5"
	KindLooksRareV2      OrderKind = "looks-rare-v2"
	KindX2Y2             OrderKind = "x2y2"
	KindZeroExV4ERC721   OrderKind = "zeroex-v4-erc721"
	KindZeroExV4ERC1155  OrderKind = "zeroex-v4-erc1155"
	KindRarible          OrderKind = "rarible"
	KindPaymentProcessor OrderKind = "payment-processor"
	KindBlur             OrderKind = "blur"
	KindSudoswap         OrderKind = "sudoswap"
	KindSudoswapV2       OrderKind = "sudoswap-v2"
	KindNFTX             OrderKind = "nftx"
	KindCaviarV1         OrderKind = "caviar-v1"
	KindFoundation       OrderKind = "foundation"
	KindCryptoPunks      OrderKind = "cryptopunks"
)

// Infinity is stored as the expiration of orders that are valid with no
// upper bound.
var Infinity = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// ValidBetween is the half-open validity interval [From, To). A nil To
// means the order never expires on its own.
type ValidBetween struct {
	From time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the interval.
func (v ValidBetween) Contains(t time.Time) bool {
	if t.Before(v.From) {
		return false
	}
	return v.To == nil || t.Before(*v.To)
}

// Upper returns the upper bound, or Infinity when unbounded.
func (v ValidBetween) Upper() time.Time {
	if v.To == nil {
		return Infinity
	}
	return *v.To
}

// FeeBreakdown is a single fee recipient on an order.
type FeeBreakdown struct {
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Bps       int    `json:"bps"`
}

// Order is a signed or synthetic marketplace order. Addresses are
// lower-case hex; amounts are in the smallest unit of the currency.
type Order struct {
	ID                string
	Kind              OrderKind
	Side              OrderSide
	Maker             string
	Taker             string // empty for open orders
	Contract          string
	TokenSetID        string
	Currency          string
	Price             *big.Int
	Value             *big.Int
	CurrencyPrice     *big.Int
	CurrencyValue     *big.Int
	QuantityRemaining *big.Int
	Nonce             *big.Int
	Conduit           string
	SourceID          int
	FeeBps            int
	FeeBreakdown      []FeeBreakdown
	FillabilityStatus FillabilityStatus
	ApprovalStatus    ApprovalStatus
	ValidBetween      ValidBetween
	Expiration        time.Time
	RawData           RawData
	OriginatedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the order is currently fillable by a taker.
func (o Order) IsActive(now time.Time) bool {
	return o.FillabilityStatus == FillabilityFillable &&
		o.ApprovalStatus == ApprovalApproved &&
		o.ValidBetween.Contains(now)
}

// PotentiallyValid reports whether the order may become active again
// without a new signature.
func (o Order) PotentiallyValid() bool {
	return (o.FillabilityStatus == FillabilityFillable || o.FillabilityStatus == FillabilityNoBalance) &&
		(o.ApprovalStatus == ApprovalApproved || o.ApprovalStatus == ApprovalNoApproval)
}

// ExpirationFor returns the expiration to persist alongside a status pair.
// Active orders carry their validity upper bound; anything else expires at
// the time the change was observed.
func ExpirationFor(fill FillabilityStatus, approval ApprovalStatus, vb ValidBetween, at time.Time) time.Time {
	if fill == FillabilityFillable && approval == ApprovalApproved {
		return vb.Upper()
	}
	return at
}

// TokenSetForToken returns the token set id of a single-token order.
func TokenSetForToken(contract, tokenID string) string {
	return "token:" + contract + ":" + tokenID
}

// TokenSetForContract returns the token set id of a collection-wide order.
func TokenSetForContract(contract string) string {
	return "contract:" + contract
}

// TotalPrice returns price * quantity, treating nil values as zero.
func TotalPrice(price, quantity *big.Int) *big.Int {
	if price == nil || quantity == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(price, quantity)
}

// StatusCandidate is an order row joined with the signal that may change
// its status. Balance and Allowance are nil when not part of the join.
type StatusCandidate struct {
	ID                string
	Kind              OrderKind
	Side              OrderSide
	SourceDomain      string
	FillabilityStatus FillabilityStatus
	ApprovalStatus    ApprovalStatus
	CurrencyPrice     *big.Int
	QuantityRemaining *big.Int
	ValidBetween      ValidBetween
	Balance           *big.Int
	Approved          *bool
}

// StatusChange is a conditional status write. Empty statuses and a nil
// quantity leave the stored value untouched.
type StatusChange struct {
	ID                string
	FillabilityStatus FillabilityStatus
	ApprovalStatus    ApprovalStatus
	QuantityRemaining *big.Int
	Expiration        time.Time
}
