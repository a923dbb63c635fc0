// Package partial merges incremental listing and bid-pool updates from the
// aggregator feed into order rows.
package partial

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const (
	dataVersion = 1
	lockTTL     = 30 * time.Second

	// DefaultOperatorFilterRegistry is the registry collections use to block
	// marketplace operators.
	DefaultOperatorFilterRegistry = "0x000000000000aaeb6d7670e522a718067333cd4e"
)

// OrderStore is the slice of the order store the merger writes through.
type OrderStore interface {
	GetByID(ctx context.Context, id string) (domain.Order, error)
	Insert(ctx context.Context, o domain.Order) (bool, error)
	TokenOwner(ctx context.Context, contract, tokenID string) (string, error)
	LastTransferTime(ctx context.Context, contract, tokenID string) (time.Time, bool, error)
	DisableOlderListings(ctx context.Context, kind domain.OrderKind, sourceID int, tokenSetID string, createdAt time.Time, excludeID string, at time.Time) ([]string, error)
	NewerListingExists(ctx context.Context, kind domain.OrderKind, sourceID int, tokenSetID string, createdAt time.Time, excludeID string) (bool, error)
	ReactivateListing(ctx context.Context, id string) (bool, error)
	RoyaltyBps(ctx context.Context, contract string) (int, error)
	UpsertBidPool(ctx context.Context, o domain.Order) (bool, error)
}

// OperatorFilter answers whether a collection lets an operator move tokens.
type OperatorFilter interface {
	IsOperatorAllowed(ctx context.Context, registry, collection, operator string) (bool, error)
}

// Sources resolves marketplace domains to source ids.
type Sources interface {
	Resolve(ctx context.Context, name string) (domain.Source, error)
}

// Config holds the addresses of the partial-order marketplace.
type Config struct {
	Kind            domain.OrderKind
	SourceDomain    string
	Conduit         string // operator the marketplace transfers through
	Relay           string // custodial contract that may hold tokens for sellers
	ListingCurrency string
	BidCurrency     string // the bid pool token, also the pool's maker
	FilterRegistry  string
}

// Merger handles partial-orders jobs.
type Merger struct {
	orders  OrderStore
	filter  OperatorFilter
	sources Sources
	locks   domain.LockManager
	queue   domain.JobQueue
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Merger. Addresses in cfg are lower-cased.
func New(orders OrderStore, filter OperatorFilter, sources Sources, locks domain.LockManager, queue domain.JobQueue, cfg Config, logger *slog.Logger) *Merger {
	if cfg.Kind == "" {
		cfg.Kind = domain.KindBlur
	}
	if cfg.FilterRegistry == "" {
		cfg.FilterRegistry = DefaultOperatorFilterRegistry
	}
	cfg.Conduit = strings.ToLower(cfg.Conduit)
	cfg.Relay = strings.ToLower(cfg.Relay)
	cfg.ListingCurrency = strings.ToLower(cfg.ListingCurrency)
	cfg.BidCurrency = strings.ToLower(cfg.BidCurrency)
	cfg.FilterRegistry = strings.ToLower(cfg.FilterRegistry)
	return &Merger{
		orders:  orders,
		filter:  filter,
		sources: sources,
		locks:   locks,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "partial-merger")),
		now:     time.Now,
	}
}

// Handle processes one job of the partial-orders queue.
func (m *Merger) Handle(ctx context.Context, job domain.Job) error {
	var pj domain.PartialJob
	if err := job.Decode(&pj); err != nil {
		return err
	}

	var (
		res domain.PartialResult
		err error
	)
	switch {
	case pj.Kind == domain.PartialKindListing && pj.Listing != nil:
		res, err = m.MergeListing(ctx, *pj.Listing)
	case pj.Kind == domain.PartialKindBid && pj.Bid != nil:
		res, err = m.MergeBid(ctx, *pj.Bid)
	default:
		return fmt.Errorf("%w: partial job %s of kind %q", domain.ErrInvalidPayload, job.ID, pj.Kind)
	}
	if err != nil {
		return err
	}

	m.logger.DebugContext(ctx, "partial update merged",
		slog.String("job_id", job.ID),
		slog.String("order_id", res.ID),
		slog.String("status", res.Status),
	)
	return nil
}

// operatorBlocked reports whether the collection filters the marketplace
// conduit.
func (m *Merger) operatorBlocked(ctx context.Context, collection string) (bool, error) {
	if m.filter == nil || m.cfg.Conduit == "" {
		return false, nil
	}
	allowed, err := m.filter.IsOperatorAllowed(ctx, m.cfg.FilterRegistry, collection, m.cfg.Conduit)
	if err != nil {
		return false, fmt.Errorf("partial: operator filter %s: %w", collection, err)
	}
	return !allowed, nil
}

func (m *Merger) notify(ctx context.Context, kind domain.TriggerKind, prefix string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		update := domain.OrderUpdate{
			Context: prefix + "-" + id,
			ID:      id,
			Trigger: domain.Trigger{Kind: kind},
		}
		job, err := domain.NewJob(domain.QueueOrderUpdatesID, update.Context, update)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if err := m.queue.Enqueue(ctx, jobs...); err != nil {
		return fmt.Errorf("partial: notify: %w", err)
	}
	return nil
}

// orderID derives a synthetic order id from its identifying fields.
func orderID(parts ...string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.Join(parts, ":")))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
