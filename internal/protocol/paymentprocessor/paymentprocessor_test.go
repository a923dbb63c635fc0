package paymentprocessor

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/crypto"
	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/tracer"
)

const (
	sellerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	buyerKey  = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

var testExchange = NewExchange(1, "0x009a1dc629242961c9e4f089b437afd394474cc0")

func baseDetails(seller, buyer common.Address) MatchedOrder {
	return MatchedOrder{
		PaymentCoin:             common.Address{},
		TokenAddress:            common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		Seller:                  seller,
		Buyer:                   buyer,
		Marketplace:             common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		MarketplaceFeeNumerator: big.NewInt(250),
		MaxRoyaltyFeeNumerator:  big.NewInt(500),
		ListingNonce:            big.NewInt(11),
		OfferNonce:              big.NewInt(12),
		ListingMinPrice:         big.NewInt(3e15),
		OfferPrice:              big.NewInt(6e15),
		ListingExpiration:       big.NewInt(2e9),
		OfferExpiration:         big.NewInt(2e9),
		TokenId:                 big.NewInt(7),
		Amount:                  big.NewInt(2),
	}
}

func signers(t *testing.T) (*crypto.Signer, *crypto.Signer) {
	t.Helper()
	seller, err := crypto.NewSigner(sellerKey)
	require.NoError(t, err)
	buyer, err := crypto.NewSigner(buyerKey)
	require.NoError(t, err)
	return seller, buyer
}

func sign(t *testing.T, s *crypto.Signer, o Order) SignatureECDSA {
	t.Helper()
	sig, err := s.SignTyped(testExchange.Domain, o.StructHash())
	require.NoError(t, err)
	var out SignatureECDSA
	copy(out.R[:], sig[:32])
	copy(out.S[:], sig[32:64])
	out.V = sig[64]
	return out
}

// signedListingSale signs the listing side of a sale with master nonce n.
func signedListingSale(t *testing.T, n int64) Sale {
	seller, buyer := signers(t)
	sale := Sale{Details: baseDetails(seller.Address(), buyer.Address())}
	o := sale.Order()
	o.MasterNonce = big.NewInt(n)
	sale.Listing = sign(t, seller, o)
	return sale
}

func TestDecodeSalesSingle(t *testing.T) {
	sale := signedListingSale(t, 0)
	input, err := PackBuySingle(sale)
	require.NoError(t, err)

	sales, err := DecodeSales(nil, input)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, sale.Details.Seller, sales[0].Details.Seller)
	assert.Equal(t, 0, sale.Details.TokenId.Cmp(sales[0].Details.TokenId))
	assert.Equal(t, sale.Listing, sales[0].Listing)
}

func TestDecodeSalesBatchKeepsOrder(t *testing.T) {
	a := signedListingSale(t, 0)
	b := signedListingSale(t, 1)
	b.Details.TokenId = big.NewInt(8)

	input, err := PackBuyBatch([]Sale{a, b})
	require.NoError(t, err)

	sales, err := DecodeSales(nil, input)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, int64(7), sales[0].Details.TokenId.Int64())
	assert.Equal(t, int64(8), sales[1].Details.TokenId.Int64())
}

func TestDecodeSalesRejectsUnknownSelector(t *testing.T) {
	_, err := DecodeSales(nil, []byte{1, 2, 3, 4, 5})
	assert.Error(t, err)
}

func TestMatchUsesABISelectors(t *testing.T) {
	m := testExchange.Match()
	assert.Equal(t, strings.ToLower(testExchange.Address.Hex()), m.To)
	require.Len(t, m.Selectors, 2)
	assert.Len(t, m.Selectors[0], 4)
}

func TestSaleSidesAndParties(t *testing.T) {
	seller, buyer := signers(t)
	sale := Sale{Details: baseDetails(seller.Address(), buyer.Address())}
	assert.Equal(t, domain.OrderSideSell, sale.Order().Side())
	assert.Equal(t, strings.ToLower(seller.Address().Hex()), sale.Maker())
	assert.Equal(t, strings.ToLower(buyer.Address().Hex()), sale.Taker())
	assert.Equal(t, int64(3e15), sale.UnitPrice().Int64())

	sale.Details.SellerAcceptedOffer = true
	assert.Equal(t, domain.OrderSideBuy, sale.Order().Side())
	assert.Equal(t, strings.ToLower(buyer.Address().Hex()), sale.Maker())
	assert.Equal(t, big.NewInt(12), sale.Order().Nonce)
}

func TestOfferHashDiffersFromListingHash(t *testing.T) {
	seller, buyer := signers(t)
	sale := Sale{Details: baseDetails(seller.Address(), buyer.Address())}
	listing := sale.Order()
	sale.Details.SellerAcceptedOffer = true
	offer := sale.Order()
	sale.Details.CollectionLevelOffer = true
	collection := sale.Order()

	assert.NotEqual(t, testExchange.Hash(listing), testExchange.Hash(offer))
	assert.NotEqual(t, testExchange.Hash(offer), testExchange.Hash(collection))
}

func TestVerifyOffer(t *testing.T) {
	seller, buyer := signers(t)
	sale := Sale{Details: baseDetails(seller.Address(), buyer.Address())}
	sale.Details.SellerAcceptedOffer = true
	o := sale.Order()
	o.MasterNonce = big.NewInt(0)
	sale.Offer = sign(t, buyer, o)

	rebuilt := sale.Order()
	rebuilt.MasterNonce = big.NewInt(0)
	require.NoError(t, testExchange.Verify(rebuilt))

	rebuilt.MasterNonce = big.NewInt(1)
	assert.ErrorIs(t, testExchange.Verify(rebuilt), domain.ErrInvalidSignature)
}

type nonceIndex struct{}

func (nonceIndex) FindByNonce(context.Context, domain.OrderKind, string, *big.Int) (string, *big.Int, error) {
	return "", nil, domain.ErrNotFound
}

type masterNonces map[string]int64

func (m masterNonces) MasterNonce(_ context.Context, _ domain.OrderKind, maker string) (*big.Int, error) {
	return big.NewInt(m[maker]), nil
}

func TestCandidateResolvesThroughMasterNonceSearch(t *testing.T) {
	sale := signedListingSale(t, 2)
	c := testExchange.Candidate(sale.Order())

	v := tracer.NewVerifier(domain.KindPaymentProcessor, nonceIndex{}, masterNonces{sale.Maker(): 4}, 0)
	id, err := v.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, testExchange.Hash(c.Order(big.NewInt(2))), id)
}

func TestOrderNonceScopedByMarketplace(t *testing.T) {
	a := OrderNonce(common.HexToAddress("0x01"), big.NewInt(1))
	b := OrderNonce(common.HexToAddress("0x02"), big.NewInt(1))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, OrderNonce(common.HexToAddress("0x01"), big.NewInt(1)))
}

type chainState struct {
	nft      *big.Int
	approved bool
}

func (c chainState) ERC20Balance(context.Context, string, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (c chainState) ERC20Allowance(context.Context, string, string, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (c chainState) NFTBalance(context.Context, string, string, string) (*big.Int, error) {
	return c.nft, nil
}

func (c chainState) IsApprovedForAll(_ context.Context, _, _, operator string) (bool, error) {
	return c.approved && operator == strings.ToLower(testExchange.Address.Hex()), nil
}

func storedOrder(t *testing.T, master int64) domain.Order {
	t.Helper()
	sale := signedListingSale(t, master)
	data := sale.Order()
	data.MasterNonce = big.NewInt(master)
	raw, err := domain.NewRawData(domain.SchemaPaymentProcessor, RawDataVersion, data)
	require.NoError(t, err)
	return domain.Order{
		ID:                testExchange.Hash(data),
		Kind:              domain.KindPaymentProcessor,
		Side:              domain.OrderSideSell,
		Maker:             sale.Maker(),
		TokenSetID:        domain.TokenSetForToken("0x00000000000000000000000000000000000000c1", "7"),
		QuantityRemaining: big.NewInt(1),
		RawData:           raw,
	}
}

func TestCheckerCancelsBelowMasterNonce(t *testing.T) {
	o := storedOrder(t, 1)
	c := NewChecker(testExchange, masterNonces{o.Maker: 2}, nil, chainState{nft: big.NewInt(1), approved: true})

	err := c.Check(context.Background(), o)
	var inv *domain.InvalidationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, domain.ReasonCancelled, inv.Reason)
}

func TestCheckerUsesExchangeAsOperator(t *testing.T) {
	o := storedOrder(t, 2)
	c := NewChecker(testExchange, masterNonces{o.Maker: 2}, nil, chainState{nft: big.NewInt(1), approved: true})
	assert.NoError(t, c.Check(context.Background(), o))

	c = NewChecker(testExchange, masterNonces{o.Maker: 2}, nil, chainState{nft: big.NewInt(0), approved: false})
	err := c.Check(context.Background(), o)
	var inv *domain.InvalidationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, domain.ReasonNoBalanceNA, inv.Reason)
}

func TestRawDataCarriesMasterNonceForBulkCancel(t *testing.T) {
	o := storedOrder(t, 5)
	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(o.RawData.Payload, &payload))
	assert.Equal(t, "5", string(payload["masterNonce"]))
}
