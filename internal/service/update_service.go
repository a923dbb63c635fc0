package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// OrderUpdatesStream is the Redis stream downstream projections consume.
const OrderUpdatesStream = "order-updates"

// OrderUpdateEvent is the message appended to OrderUpdatesStream.
type OrderUpdateEvent struct {
	Context           string                   `json:"context"`
	OrderID           string                   `json:"orderId"`
	Kind              domain.OrderKind         `json:"kind"`
	Side              domain.OrderSide         `json:"side"`
	Maker             string                   `json:"maker"`
	TokenSetID        string                   `json:"tokenSetId"`
	Price             string                   `json:"price,omitempty"`
	FillabilityStatus domain.FillabilityStatus `json:"fillabilityStatus"`
	ApprovalStatus    domain.ApprovalStatus    `json:"approvalStatus"`
	Expiration        time.Time                `json:"expiration"`
	Trigger           domain.Trigger           `json:"trigger"`
}

// UpdateService handles order-updates-by-id jobs: it snapshots the order and
// hands it to downstream consumers.
type UpdateService struct {
	orders domain.OrderReader
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewUpdateService creates an UpdateService.
func NewUpdateService(orders domain.OrderReader, bus domain.SignalBus, logger *slog.Logger) *UpdateService {
	return &UpdateService{
		orders: orders,
		bus:    bus,
		logger: logger.With(slog.String("component", "order-updates")),
	}
}

// Handle processes one job of the order-updates-by-id queue.
func (s *UpdateService) Handle(ctx context.Context, job domain.Job) error {
	var u domain.OrderUpdate
	if err := job.Decode(&u); err != nil {
		return err
	}
	if u.ID == "" {
		return fmt.Errorf("%w: order update %s without id", domain.ErrInvalidPayload, job.ID)
	}
	return s.Publish(ctx, u)
}

// Publish appends the current state of u.ID to the updates stream.
func (s *UpdateService) Publish(ctx context.Context, u domain.OrderUpdate) error {
	o, err := s.orders.GetByID(ctx, u.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "update for unknown order",
				slog.String("order_id", u.ID),
				slog.String("context", u.Context),
			)
			return nil
		}
		return fmt.Errorf("update_service: load %s: %w", u.ID, err)
	}

	ev := OrderUpdateEvent{
		Context:           u.Context,
		OrderID:           o.ID,
		Kind:              o.Kind,
		Side:              o.Side,
		Maker:             o.Maker,
		TokenSetID:        o.TokenSetID,
		FillabilityStatus: o.FillabilityStatus,
		ApprovalStatus:    o.ApprovalStatus,
		Expiration:        o.Expiration,
		Trigger:           u.Trigger,
	}
	if o.Price != nil {
		ev.Price = o.Price.String()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("update_service: encode %s: %w", u.ID, err)
	}
	if err := s.bus.StreamAppend(ctx, OrderUpdatesStream, payload); err != nil {
		return fmt.Errorf("update_service: publish %s: %w", u.ID, err)
	}

	s.logger.DebugContext(ctx, "order update published",
		slog.String("order_id", o.ID),
		slog.String("trigger", string(u.Trigger.Kind)),
	)
	return nil
}
