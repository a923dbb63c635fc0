package handler

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// OrderHandler exposes read-only order lookups.
type OrderHandler struct {
	orders domain.OrderReader
	fills  domain.FillStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders domain.OrderReader, fills domain.FillStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, fills: fills, logger: logger}
}

type orderView struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Side              string         `json:"side"`
	Maker             string         `json:"maker"`
	Taker             string         `json:"taker,omitempty"`
	Contract          string         `json:"contract"`
	TokenSetID        string         `json:"token_set_id"`
	Currency          string         `json:"currency"`
	Price             string         `json:"price"`
	CurrencyPrice     string         `json:"currency_price"`
	QuantityRemaining string         `json:"quantity_remaining"`
	Nonce             string         `json:"nonce,omitempty"`
	FillabilityStatus string         `json:"fillability_status"`
	ApprovalStatus    string         `json:"approval_status"`
	ValidFrom         time.Time      `json:"valid_from"`
	ValidTo           *time.Time     `json:"valid_to,omitempty"`
	Expiration        time.Time      `json:"expiration"`
	RawData           domain.RawData `json:"raw_data"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Fills             []fillView     `json:"fills"`
}

type fillView struct {
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
	BatchIndex  int    `json:"batch_index"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"`
	Side        string `json:"side"`
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	TokenID     string `json:"token_id"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// GetOrder returns one order and the fills linked to it.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathParam(r, "id")
	log := logHandler(h.logger, "orders").With(slog.String("order_id", id))

	o, err := h.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		log.ErrorContext(ctx, "get order failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	fills, err := h.fills.ListByOrder(ctx, id)
	if err != nil {
		log.ErrorContext(ctx, "list fills failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load fills")
		return
	}

	view := orderView{
		ID:                o.ID,
		Kind:              string(o.Kind),
		Side:              string(o.Side),
		Maker:             o.Maker,
		Taker:             o.Taker,
		Contract:          o.Contract,
		TokenSetID:        o.TokenSetID,
		Currency:          o.Currency,
		Price:             bigString(o.Price),
		CurrencyPrice:     bigString(o.CurrencyPrice),
		QuantityRemaining: bigString(o.QuantityRemaining),
		Nonce:             bigString(o.Nonce),
		FillabilityStatus: string(o.FillabilityStatus),
		ApprovalStatus:    string(o.ApprovalStatus),
		ValidFrom:         o.ValidBetween.From,
		ValidTo:           o.ValidBetween.To,
		Expiration:        o.Expiration,
		RawData:           o.RawData,
		UpdatedAt:         o.UpdatedAt,
		Fills:             make([]fillView, 0, len(fills)),
	}
	for _, f := range fills {
		view.Fills = append(view.Fills, fillView{
			TxHash:      f.TxHash,
			LogIndex:    f.LogIndex,
			BatchIndex:  f.BatchIndex,
			BlockNumber: f.BlockNumber,
			Timestamp:   f.Timestamp,
			Side:        string(f.OrderSide),
			Maker:       f.Maker,
			Taker:       f.Taker,
			TokenID:     f.TokenID,
			Amount:      bigString(f.Amount),
			Price:       bigString(f.Price),
		})
	}
	writeJSON(w, http.StatusOK, view)
}
