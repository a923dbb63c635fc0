package domain

import (
	"math/big"
	"time"
)

// PartialListing is a listing update from the aggregator feed. A nil Price
// means the token is no longer listed.
type PartialListing struct {
	Collection string     `json:"collection"`
	TokenID    string     `json:"tokenId"`
	Owner      string     `json:"owner,omitempty"`
	Price      *big.Int   `json:"price,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// PricePoint is one level of a collection bid pool.
type PricePoint struct {
	Price          *big.Int `json:"price"`
	ExecutableSize int64    `json:"executableSize"`
	NumberOfBids   int64    `json:"numberOfBids,omitempty"`
}

// PartialBid is a bid pool update. With FullUpdate the points replace the
// stored set; otherwise they are merged by price.
type PartialBid struct {
	Collection  string       `json:"collection"`
	PricePoints []PricePoint `json:"pricePoints"`
	FullUpdate  bool         `json:"fullUpdate"`
}

// PartialKind tags a partial-order job.
type PartialKind string

const (
	PartialKindListing PartialKind = "listing"
	PartialKindBid     PartialKind = "bid"
)

// PartialJob is the payload of the partial-orders queue.
type PartialJob struct {
	Kind    PartialKind     `json:"kind"`
	Listing *PartialListing `json:"listing,omitempty"`
	Bid     *PartialBid     `json:"bid,omitempty"`
}

// PartialListingData is the raw data stored on a synthetic listing.
type PartialListingData struct {
	Collection string    `json:"collection"`
	TokenID    string    `json:"tokenId"`
	Owner      string    `json:"owner"`
	Price      *big.Int  `json:"price"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PartialBidData is the raw data stored on a synthetic bid pool.
type PartialBidData struct {
	Collection  string       `json:"collection"`
	PricePoints []PricePoint `json:"pricePoints"`
}

// PartialResult reports what a partial update did.
type PartialResult struct {
	ID     string
	Status string
}

// Partial result statuses.
const (
	PartialSuccess    = "success"
	PartialRedundant  = "redundant"
	PartialNoPrice    = "no-price"
	PartialUnchanged  = "unchanged"
	PartialFiltered   = "filtered"
	PartialStale      = "stale"
	PartialTerminal   = "already-terminal"
	PartialUnknownOwn = "unknown-owner"
)
