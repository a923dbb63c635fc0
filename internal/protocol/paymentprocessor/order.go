// Package paymentprocessor models Payment Processor orders: their EIP-712
// hashing, the calldata of the exchange's buy methods and the checker used
// to re-validate stored orders.
package paymentprocessor

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftindexer/internal/crypto"
	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// RawDataVersion is the version stamped on stored payment processor orders.
const RawDataVersion = 1

var (
	saleApprovalTypeHash = crypto.TypeHash("SaleApproval(uint8 protocol,bool sellerAcceptedOffer,address marketplace," +
		"uint256 marketplaceFeeNumerator,uint256 maxRoyaltyFeeNumerator,address privateBuyer,address seller," +
		"address tokenAddress,uint256 tokenId,uint256 amount,uint256 minPrice,uint256 expiration,uint256 nonce," +
		"uint256 masterNonce,address coin)")
	offerApprovalTypeHash = crypto.TypeHash("OfferApproval(uint8 protocol,address marketplace," +
		"uint256 marketplaceFeeNumerator,address delegatedPurchaser,address buyer,address tokenAddress," +
		"uint256 tokenId,uint256 amount,uint256 price,uint256 expiration,uint256 nonce,uint256 masterNonce,address coin)")
	collectionOfferApprovalTypeHash = crypto.TypeHash("CollectionOfferApproval(uint8 protocol,bool collectionLevelOffer," +
		"address marketplace,uint256 marketplaceFeeNumerator,address delegatedPurchaser,address buyer," +
		"address tokenAddress,uint256 amount,uint256 price,uint256 expiration,uint256 nonce,uint256 masterNonce,address coin)")
)

// Order is a signed payment processor order. It is also the raw data
// payload of stored orders.
type Order struct {
	Protocol                uint8          `json:"protocol"`
	SellerAcceptedOffer     bool           `json:"sellerAcceptedOffer"`
	CollectionLevelOffer    bool           `json:"collectionLevelOffer"`
	Marketplace             common.Address `json:"marketplace"`
	MarketplaceFeeNumerator *big.Int       `json:"marketplaceFeeNumerator"`
	MaxRoyaltyFeeNumerator  *big.Int       `json:"maxRoyaltyFeeNumerator"`
	PrivateBuyer            common.Address `json:"privateBuyer"`
	DelegatedPurchaser      common.Address `json:"delegatedPurchaser"`
	Trader                  common.Address `json:"trader"`
	TokenAddress            common.Address `json:"tokenAddress"`
	TokenID                 *big.Int       `json:"tokenId"`
	Amount                  *big.Int       `json:"amount"`
	Price                   *big.Int       `json:"price"`
	Expiration              *big.Int       `json:"expiration"`
	Nonce                   *big.Int       `json:"nonce"`
	MasterNonce             *big.Int       `json:"masterNonce"`
	Coin                    common.Address `json:"coin"`
	V                       uint8          `json:"v"`
	R                       common.Hash    `json:"r"`
	S                       common.Hash    `json:"s"`
}

// Side reports whether the order is a listing or an offer.
func (o Order) Side() domain.OrderSide {
	if o.SellerAcceptedOffer || o.CollectionLevelOffer {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

// StructHash returns the EIP-712 struct hash of the order.
func (o Order) StructHash() []byte {
	switch {
	case o.CollectionLevelOffer:
		return crypto.StructHash(collectionOfferApprovalTypeHash,
			crypto.UintWord(big.NewInt(int64(o.Protocol))),
			crypto.BoolWord(true),
			crypto.AddressWord(o.Marketplace),
			crypto.UintWord(o.MarketplaceFeeNumerator),
			crypto.AddressWord(o.DelegatedPurchaser),
			crypto.AddressWord(o.Trader),
			crypto.AddressWord(o.TokenAddress),
			crypto.UintWord(o.Amount),
			crypto.UintWord(o.Price),
			crypto.UintWord(o.Expiration),
			crypto.UintWord(o.Nonce),
			crypto.UintWord(o.MasterNonce),
			crypto.AddressWord(o.Coin),
		)
	case o.SellerAcceptedOffer:
		return crypto.StructHash(offerApprovalTypeHash,
			crypto.UintWord(big.NewInt(int64(o.Protocol))),
			crypto.AddressWord(o.Marketplace),
			crypto.UintWord(o.MarketplaceFeeNumerator),
			crypto.AddressWord(o.DelegatedPurchaser),
			crypto.AddressWord(o.Trader),
			crypto.AddressWord(o.TokenAddress),
			crypto.UintWord(o.TokenID),
			crypto.UintWord(o.Amount),
			crypto.UintWord(o.Price),
			crypto.UintWord(o.Expiration),
			crypto.UintWord(o.Nonce),
			crypto.UintWord(o.MasterNonce),
			crypto.AddressWord(o.Coin),
		)
	default:
		return crypto.StructHash(saleApprovalTypeHash,
			crypto.UintWord(big.NewInt(int64(o.Protocol))),
			crypto.BoolWord(false),
			crypto.AddressWord(o.Marketplace),
			crypto.UintWord(o.MarketplaceFeeNumerator),
			crypto.UintWord(o.MaxRoyaltyFeeNumerator),
			crypto.AddressWord(o.PrivateBuyer),
			crypto.AddressWord(o.Trader),
			crypto.AddressWord(o.TokenAddress),
			crypto.UintWord(o.TokenID),
			crypto.UintWord(o.Amount),
			crypto.UintWord(o.Price),
			crypto.UintWord(o.Expiration),
			crypto.UintWord(o.Nonce),
			crypto.UintWord(o.MasterNonce),
			crypto.AddressWord(o.Coin),
		)
	}
}

// Signature returns the 65-byte signature carried by the order.
func (o Order) Signature() []byte {
	return crypto.Signature(o.V, o.R, o.S)
}

// OrderNonce derives the nonce stored on order rows, which is scoped to the
// marketplace the order was signed for.
func OrderNonce(marketplace common.Address, nonce *big.Int) *big.Int {
	h := ethcrypto.Keccak256(crypto.AddressWord(marketplace), crypto.UintWord(nonce))
	return new(big.Int).SetBytes(h)
}

// Exchange binds orders to one deployment of the payment processor.
type Exchange struct {
	Address common.Address
	Domain  crypto.Domain
}

// NewExchange returns the exchange deployed at address on chainID.
func NewExchange(chainID int64, address string) Exchange {
	addr := common.HexToAddress(address)
	return Exchange{
		Address: addr,
		Domain: crypto.Domain{
			Name:              "PaymentProcessor",
			Version:           "1",
			ChainID:           chainID,
			VerifyingContract: addr,
		},
	}
}

// Hash returns the order id: the EIP-712 digest of o.
func (e Exchange) Hash(o Order) string {
	return hexutil.Encode(e.digest(o))
}

func (e Exchange) digest(o Order) []byte {
	return crypto.Digest(e.Domain.Separator(), o.StructHash())
}

// Verify reports whether o is signed by its trader.
func (e Exchange) Verify(o Order) error {
	signer, err := crypto.RecoverSigner(e.digest(o), o.Signature())
	if err != nil {
		return err
	}
	if signer != o.Trader {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Candidate adapts o for master-nonce resolution.
func (e Exchange) Candidate(o Order) *Candidate {
	return &Candidate{exchange: e, order: o}
}

// Candidate is an order rebuilt from calldata without its master nonce.
type Candidate struct {
	exchange Exchange
	order    Order
}

// Maker returns the signer of the order.
func (c *Candidate) Maker() string { return strings.ToLower(c.order.Trader.Hex()) }

// OrderNonce returns the stored nonce of the order.
func (c *Candidate) OrderNonce() *big.Int { return OrderNonce(c.order.Marketplace, c.order.Nonce) }

// Signature returns the order signature.
func (c *Candidate) Signature() []byte { return c.order.Signature() }

// Hash hashes the order under masterNonce.
func (c *Candidate) Hash(masterNonce *big.Int) (string, []byte) {
	o := c.order
	o.MasterNonce = masterNonce
	digest := c.exchange.digest(o)
	return hexutil.Encode(digest), digest
}

// Order returns the order with the given master nonce.
func (c *Candidate) Order(masterNonce *big.Int) Order {
	o := c.order
	o.MasterNonce = masterNonce
	return o
}
