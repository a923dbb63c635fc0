package paymentprocessor

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/tracer"
)

// MatchedOrder mirrors the exchange's sale details tuple.
type MatchedOrder struct {
	SellerAcceptedOffer     bool
	CollectionLevelOffer    bool
	Protocol                uint8
	PaymentCoin             common.Address
	TokenAddress            common.Address
	Seller                  common.Address
	PrivateBuyer            common.Address
	Buyer                   common.Address
	DelegatedPurchaser      common.Address
	Marketplace             common.Address
	MarketplaceFeeNumerator *big.Int
	MaxRoyaltyFeeNumerator  *big.Int
	ListingNonce            *big.Int
	OfferNonce              *big.Int
	ListingMinPrice         *big.Int
	OfferPrice              *big.Int
	ListingExpiration       *big.Int
	OfferExpiration         *big.Int
	TokenId                 *big.Int // named after the ABI component
	Amount                  *big.Int
}

// SignatureECDSA mirrors the exchange's signature tuple.
type SignatureECDSA struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Sale is one settled sale decoded from exchange calldata.
type Sale struct {
	Details MatchedOrder
	Listing SignatureECDSA
	Offer   SignatureECDSA
}

// Order rebuilds the signed order the sale filled, without a master nonce.
func (s Sale) Order() Order {
	d := s.Details
	o := Order{
		Protocol:                d.Protocol,
		SellerAcceptedOffer:     d.SellerAcceptedOffer,
		CollectionLevelOffer:    d.CollectionLevelOffer,
		Marketplace:             d.Marketplace,
		MarketplaceFeeNumerator: d.MarketplaceFeeNumerator,
		MaxRoyaltyFeeNumerator:  d.MaxRoyaltyFeeNumerator,
		TokenAddress:            d.TokenAddress,
		TokenID:                 d.TokenId,
		Amount:                  d.Amount,
		Coin:                    d.PaymentCoin,
	}
	if o.Side() == domain.OrderSideBuy {
		o.Trader = d.Buyer
		o.DelegatedPurchaser = d.DelegatedPurchaser
		o.Price = d.OfferPrice
		o.Expiration = d.OfferExpiration
		o.Nonce = d.OfferNonce
		o.V, o.R, o.S = s.Offer.V, s.Offer.R, s.Offer.S
	} else {
		o.Trader = d.Seller
		o.PrivateBuyer = d.PrivateBuyer
		o.Price = d.ListingMinPrice
		o.Expiration = d.ListingExpiration
		o.Nonce = d.ListingNonce
		o.V, o.R, o.S = s.Listing.V, s.Listing.R, s.Listing.S
	}
	return o
}

// Maker returns the party whose signed order was filled.
func (s Sale) Maker() string {
	if s.Order().Side() == domain.OrderSideBuy {
		return strings.ToLower(s.Details.Buyer.Hex())
	}
	return strings.ToLower(s.Details.Seller.Hex())
}

// Taker returns the counterparty.
func (s Sale) Taker() string {
	if s.Order().Side() == domain.OrderSideBuy {
		return strings.ToLower(s.Details.Seller.Hex())
	}
	return strings.ToLower(s.Details.Buyer.Hex())
}

// UnitPrice is the price paid per unit.
func (s Sale) UnitPrice() *big.Int {
	if s.Details.Amount == nil || s.Details.Amount.Sign() == 0 {
		return new(big.Int).Set(s.Details.OfferPrice)
	}
	return new(big.Int).Quo(s.Details.OfferPrice, s.Details.Amount)
}

// Match selects the exchange's buy calls in a trace.
func (e Exchange) Match() tracer.Match {
	return tracer.Match{
		To: strings.ToLower(e.Address.Hex()),
		Selectors: [][]byte{
			ExchangeABI.Methods[methodBuySingle].ID,
			ExchangeABI.Methods[methodBuyBatch].ID,
		},
	}
}

// DecodeSales decodes the sales settled by one buy call, in order. It has
// the shape of a tracer.Decoder.
func DecodeSales(_ *domain.CallFrame, input []byte) ([]Sale, error) {
	if len(input) < 4 {
		return nil, fmt.Errorf("paymentprocessor: calldata too short")
	}
	method, err := ExchangeABI.MethodById(input[:4])
	if err != nil {
		return nil, fmt.Errorf("paymentprocessor: %w", err)
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, fmt.Errorf("paymentprocessor: unpack %s: %w", method.Name, err)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("paymentprocessor: %s has %d arguments", method.Name, len(args))
	}

	switch {
	case bytes.Equal(method.ID, ExchangeABI.Methods[methodBuySingle].ID):
		return []Sale{{
			Details: *abi.ConvertType(args[0], new(MatchedOrder)).(*MatchedOrder),
			Listing: *abi.ConvertType(args[1], new(SignatureECDSA)).(*SignatureECDSA),
			Offer:   *abi.ConvertType(args[2], new(SignatureECDSA)).(*SignatureECDSA),
		}}, nil
	case bytes.Equal(method.ID, ExchangeABI.Methods[methodBuyBatch].ID):
		details := *abi.ConvertType(args[0], new([]MatchedOrder)).(*[]MatchedOrder)
		listings := *abi.ConvertType(args[1], new([]SignatureECDSA)).(*[]SignatureECDSA)
		offers := *abi.ConvertType(args[2], new([]SignatureECDSA)).(*[]SignatureECDSA)
		if len(listings) != len(details) || len(offers) != len(details) {
			return nil, fmt.Errorf("paymentprocessor: batch arrays differ in length")
		}
		sales := make([]Sale, len(details))
		for i := range details {
			sales[i] = Sale{Details: details[i], Listing: listings[i], Offer: offers[i]}
		}
		return sales, nil
	}
	return nil, fmt.Errorf("paymentprocessor: unexpected method %s", method.Name)
}

// PackBuySingle encodes a buySingleListing call.
func PackBuySingle(s Sale) ([]byte, error) {
	return ExchangeABI.Pack(methodBuySingle, s.Details, s.Listing, s.Offer)
}

// PackBuyBatch encodes a buyBatchOfListings call.
func PackBuyBatch(sales []Sale) ([]byte, error) {
	details := make([]MatchedOrder, len(sales))
	listings := make([]SignatureECDSA, len(sales))
	offers := make([]SignatureECDSA, len(sales))
	for i, s := range sales {
		details[i], listings[i], offers[i] = s.Details, s.Listing, s.Offer
	}
	return ExchangeABI.Pack(methodBuyBatch, details, listings, offers)
}
