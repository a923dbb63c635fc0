package blur

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Message types sent by the feed.
const (
	MsgListing = "listing"
	MsgBids    = "bids"
)

// Command is a client to server message.
type Command struct {
	Type        string   `json:"type"`
	Collections []string `json:"collections,omitempty"`
}

// Envelope carries the message type of every server message.
type Envelope struct {
	Type string `json:"type"`
}

// ListingMessage is a token level listing change. A null price means the
// token was delisted.
type ListingMessage struct {
	Type            string     `json:"type"`
	ContractAddress string     `json:"contractAddress"`
	TokenID         string     `json:"tokenId"`
	Owner           string     `json:"owner"`
	Price           *string    `json:"price"`
	CreatedAt       *time.Time `json:"createdAt"`
}

// BidLevel is one price level of a collection bid pool, priced in ether.
type BidLevel struct {
	Price          string `json:"price"`
	ExecutableSize int64  `json:"executableSize"`
	BidderCount    int64  `json:"bidderCount"`
}

// BidsMessage updates the bid pool of a collection. Full replaces every
// level; otherwise levels are deltas keyed by price.
type BidsMessage struct {
	Type            string     `json:"type"`
	ContractAddress string     `json:"contractAddress"`
	Updates         []BidLevel `json:"updates"`
	Full            bool       `json:"full"`
}

// EtherToWei parses a decimal ether amount into wei. Sub-wei digits are
// rejected.
func EtherToWei(ether string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(ether))
	if err != nil {
		return nil, fmt.Errorf("blur: price %q: %w", ether, err)
	}
	wei := d.Shift(18)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("blur: price %q has sub-wei precision", ether)
	}
	if wei.Sign() < 0 {
		return nil, fmt.Errorf("blur: negative price %q", ether)
	}
	return wei.BigInt(), nil
}

// ToPartialListing converts a listing message into a partial listing.
func (m ListingMessage) ToPartialListing() (domain.PartialListing, error) {
	if m.ContractAddress == "" || m.TokenID == "" {
		return domain.PartialListing{}, fmt.Errorf("blur: listing without token")
	}
	out := domain.PartialListing{
		Collection: strings.ToLower(m.ContractAddress),
		TokenID:    m.TokenID,
		Owner:      strings.ToLower(m.Owner),
		CreatedAt:  m.CreatedAt,
	}
	if m.Price != nil {
		price, err := EtherToWei(*m.Price)
		if err != nil {
			return domain.PartialListing{}, err
		}
		out.Price = price
	}
	return out, nil
}

// ToPartialBid converts a bids message into a partial bid.
func (m BidsMessage) ToPartialBid() (domain.PartialBid, error) {
	if m.ContractAddress == "" {
		return domain.PartialBid{}, fmt.Errorf("blur: bids without collection")
	}
	out := domain.PartialBid{
		Collection:  strings.ToLower(m.ContractAddress),
		FullUpdate:  m.Full,
		PricePoints: make([]domain.PricePoint, 0, len(m.Updates)),
	}
	for _, level := range m.Updates {
		price, err := EtherToWei(level.Price)
		if err != nil {
			return domain.PartialBid{}, err
		}
		out.PricePoints = append(out.PricePoints, domain.PricePoint{
			Price:          price,
			ExecutableSize: level.ExecutableSize,
			NumberOfBids:   level.BidderCount,
		})
	}
	return out, nil
}
