package paymentprocessor

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const matchedOrderComponents = `[
  {"name":"sellerAcceptedOffer","type":"bool"},
  {"name":"collectionLevelOffer","type":"bool"},
  {"name":"protocol","type":"uint8"},
  {"name":"paymentCoin","type":"address"},
  {"name":"tokenAddress","type":"address"},
  {"name":"seller","type":"address"},
  {"name":"privateBuyer","type":"address"},
  {"name":"buyer","type":"address"},
  {"name":"delegatedPurchaser","type":"address"},
  {"name":"marketplace","type":"address"},
  {"name":"marketplaceFeeNumerator","type":"uint256"},
  {"name":"maxRoyaltyFeeNumerator","type":"uint256"},
  {"name":"listingNonce","type":"uint256"},
  {"name":"offerNonce","type":"uint256"},
  {"name":"listingMinPrice","type":"uint256"},
  {"name":"offerPrice","type":"uint256"},
  {"name":"listingExpiration","type":"uint256"},
  {"name":"offerExpiration","type":"uint256"},
  {"name":"tokenId","type":"uint256"},
  {"name":"amount","type":"uint256"}
]`

const signatureComponents = `[
  {"name":"v","type":"uint8"},
  {"name":"r","type":"bytes32"},
  {"name":"s","type":"bytes32"}
]`

var exchangeABIJSON = `[
  {"type":"function","name":"buySingleListing","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"saleDetails","type":"tuple","components":` + matchedOrderComponents + `},
    {"name":"signedListing","type":"tuple","components":` + signatureComponents + `},
    {"name":"signedOffer","type":"tuple","components":` + signatureComponents + `}
  ]},
  {"type":"function","name":"buyBatchOfListings","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"saleDetailsArray","type":"tuple[]","components":` + matchedOrderComponents + `},
    {"name":"signedListings","type":"tuple[]","components":` + signatureComponents + `},
    {"name":"signedOffers","type":"tuple[]","components":` + signatureComponents + `}
  ]},
  {"type":"event","name":"BuySingleListing","anonymous":false,"inputs":[
    {"name":"marketplace","type":"address","indexed":true},
    {"name":"tokenAddress","type":"address","indexed":true},
    {"name":"paymentCoin","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":false},
    {"name":"seller","type":"address","indexed":false},
    {"name":"tokenId","type":"uint256","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"salePrice","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"MasterNonceInvalidated","anonymous":false,"inputs":[
    {"name":"nonce","type":"uint256","indexed":true},
    {"name":"account","type":"address","indexed":true}
  ]},
  {"type":"event","name":"NonceInvalidated","anonymous":false,"inputs":[
    {"name":"nonce","type":"uint256","indexed":true},
    {"name":"account","type":"address","indexed":true},
    {"name":"marketplace","type":"address","indexed":true},
    {"name":"wasCancellation","type":"bool","indexed":false}
  ]}
]`

// ExchangeABI covers the payment processor methods and events the indexer
// decodes.
var ExchangeABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(exchangeABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Event names.
const (
	EventBuySingleListing       = "BuySingleListing"
	EventMasterNonceInvalidated = "MasterNonceInvalidated"
	EventNonceInvalidated       = "NonceInvalidated"
)

const (
	methodBuySingle = "buySingleListing"
	methodBuyBatch  = "buyBatchOfListings"
)
