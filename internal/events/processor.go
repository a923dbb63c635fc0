// Package events turns raw chain logs into the jobs and rows that keep
// stored orders in sync with on-chain state.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/protocol/paymentprocessor"
	"github.com/alanyoungcy/nftindexer/internal/tracer"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// TransferStore records NFT transfer and approval events. Inserts report
// false for replays.
type TransferStore interface {
	InsertNFTTransfer(ctx context.Context, t domain.NFTTransfer) (bool, error)
	InsertNFTApproval(ctx context.Context, a domain.NFTApproval) (bool, error)
}

// OrderStore applies fills and nonce cancellations to stored orders.
type OrderStore interface {
	ApplyFill(ctx context.Context, fill domain.FillEvent) (bool, error)
	CancelBelowMasterNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int, at time.Time) ([]string, error)
	CancelByNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int, at time.Time) ([]string, error)
}

// NonceStore persists the master nonce of each maker.
type NonceStore interface {
	SetMasterNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int) error
}

// SaleResolver recovers the order behind a payment processor sale.
type SaleResolver interface {
	NewSession() *tracer.Session[paymentprocessor.Sale]
}

// OrderResolver matches a rebuilt order to a stored id.
type OrderResolver interface {
	Resolve(ctx context.Context, c tracer.Candidate) (string, error)
}

// Config selects what the processor listens to.
type Config struct {
	// Exchange is the payment processor deployment. A zero address
	// disables fill and nonce handling.
	Exchange paymentprocessor.Exchange
	// Currencies restricts ERC20 handling to these tokens. Empty means all.
	Currencies []string
}

// Processor decodes logs and fans them out as maker triggers and order
// updates. Logs must be handed over in chain order.
type Processor struct {
	transfers  TransferStore
	orders     OrderStore
	nonces     NonceStore
	fills      domain.FillStore
	queue      domain.JobQueue
	sales      SaleResolver
	verifier   OrderResolver
	exchange   paymentprocessor.Exchange
	exchangeTo string
	currencies map[string]bool
	logger     *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(
	transfers TransferStore,
	orders OrderStore,
	nonces NonceStore,
	fills domain.FillStore,
	queue domain.JobQueue,
	sales SaleResolver,
	verifier OrderResolver,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	p := &Processor{
		transfers: transfers,
		orders:    orders,
		nonces:    nonces,
		fills:     fills,
		queue:     queue,
		sales:     sales,
		verifier:  verifier,
		exchange:  cfg.Exchange,
		logger:    logger.With(slog.String("component", "events")),
	}
	if cfg.Exchange.Address != (common.Address{}) {
		p.exchangeTo = lower(cfg.Exchange.Address)
	}
	if len(cfg.Currencies) > 0 {
		p.currencies = make(map[string]bool, len(cfg.Currencies))
		for _, c := range cfg.Currencies {
			p.currencies[strings.ToLower(c)] = true
		}
	}
	return p
}

// Topics returns every event topic the processor handles.
func (p *Processor) Topics() []common.Hash {
	topics := Topics()
	if p.exchangeTo != "" {
		for _, name := range []string{
			paymentprocessor.EventBuySingleListing,
			paymentprocessor.EventMasterNonceInvalidated,
			paymentprocessor.EventNonceInvalidated,
		} {
			topics = append(topics, paymentprocessor.ExchangeABI.Events[name].ID)
		}
	}
	return topics
}

// batch collects the jobs produced while processing one range of logs.
type batch struct {
	session *tracer.Session[paymentprocessor.Sale]
	jobs    []domain.Job
}

func (b *batch) add(queue, id string, payload any) error {
	job, err := domain.NewJob(queue, id, payload)
	if err != nil {
		return err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

// ProcessLogs handles logs in order. blockTimes maps block numbers to
// their unix timestamps. Jobs are enqueued once every log was handled, so a
// failed range can be replayed as a whole.
func (p *Processor) ProcessLogs(ctx context.Context, logs []types.Log, blockTimes map[uint64]int64) error {
	b := &batch{}
	if p.sales != nil {
		b.session = p.sales.NewSession()
	}

	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		if err := p.handle(ctx, b, l, blockTimes[l.BlockNumber]); err != nil {
			return fmt.Errorf("events: log %s/%d: %w", l.TxHash.Hex(), l.Index, err)
		}
	}

	if len(b.jobs) == 0 {
		return nil
	}
	if err := p.queue.Enqueue(ctx, b.jobs...); err != nil {
		return fmt.Errorf("events: enqueue %d jobs: %w", len(b.jobs), err)
	}
	return nil
}

func (p *Processor) handle(ctx context.Context, b *batch, l types.Log, ts int64) error {
	if p.exchangeTo != "" && lower(l.Address) == p.exchangeTo {
		switch l.Topics[0] {
		case paymentprocessor.ExchangeABI.Events[paymentprocessor.EventBuySingleListing].ID:
			return p.handleSale(ctx, b, l, ts)
		case paymentprocessor.ExchangeABI.Events[paymentprocessor.EventMasterNonceInvalidated].ID:
			return p.handleMasterNonce(ctx, b, l, ts)
		case paymentprocessor.ExchangeABI.Events[paymentprocessor.EventNonceInvalidated].ID:
			return p.handleNonce(ctx, b, l, ts)
		}
	}

	switch l.Topics[0] {
	case topicTransfer:
		if len(l.Topics) == 3 {
			return p.handleFTTransfer(b, l, ts)
		}
		return p.handleNFTTransfer(ctx, b, l, ts)
	case topicApproval:
		// ERC721 Approval carries the token id as a third indexed argument
		// and concerns single-token approvals, which orders never rely on.
		if len(l.Topics) == 3 {
			return p.handleFTApproval(b, l, ts)
		}
	case topicTransferSingle, topicTransferBatch:
		return p.handleNFTTransfer(ctx, b, l, ts)
	case topicApprovalForAll:
		return p.handleNFTApproval(ctx, b, l, ts)
	}
	return nil
}

func trigger(kind domain.TriggerKind, m domain.EventMeta) domain.Trigger {
	return domain.Trigger{
		Kind:        kind,
		TxHash:      m.TxHash,
		TxTimestamp: m.Timestamp,
		LogIndex:    int(m.LogIndex),
		BatchIndex:  m.BatchIndex,
	}
}

// eventContext builds the deterministic job context of an event.
func eventContext(m domain.EventMeta, batched bool, parts ...string) string {
	ctx := m.TxHash + "-" + strconv.FormatUint(uint64(m.LogIndex), 10)
	if batched {
		ctx += "-" + strconv.Itoa(m.BatchIndex)
	}
	for _, part := range parts {
		ctx += "-" + part
	}
	return ctx
}

func (p *Processor) makerTrigger(b *batch, m domain.EventMeta, batched bool, kind domain.TriggerKind, maker string, data domain.MakerData) error {
	if maker == "" || maker == zeroAddress {
		return nil
	}
	mt := domain.MakerTrigger{
		Context: eventContext(m, batched, string(data.Kind), maker),
		Maker:   maker,
		Trigger: trigger(kind, m),
		Data:    data,
	}
	return b.add(domain.QueueMakerUpdates, mt.Context, mt)
}

func (p *Processor) orderUpdate(b *batch, m domain.EventMeta, kind domain.TriggerKind, id string) error {
	update := domain.OrderUpdate{
		Context: eventContext(m, false, string(kind), id),
		ID:      id,
		Trigger: trigger(kind, m),
	}
	return b.add(domain.QueueOrderUpdatesID, update.Context, update)
}

func (p *Processor) watched(token string) bool {
	return p.currencies == nil || p.currencies[token]
}

func (p *Processor) handleFTTransfer(b *batch, l types.Log, ts int64) error {
	t, err := DecodeFTTransfer(l, ts)
	if err != nil {
		return err
	}
	if !p.watched(t.Token) {
		return nil
	}
	data := domain.MakerData{Kind: domain.MakerBuyBalance, Contract: t.Token}
	if err := p.makerTrigger(b, t.EventMeta, false, domain.TriggerTransfer, t.From, data); err != nil {
		return err
	}
	return p.makerTrigger(b, t.EventMeta, false, domain.TriggerTransfer, t.To, data)
}

func (p *Processor) handleFTApproval(b *batch, l types.Log, ts int64) error {
	a, err := DecodeFTApproval(l, ts)
	if err != nil {
		return err
	}
	if !p.watched(a.Token) {
		return nil
	}
	return p.makerTrigger(b, a.EventMeta, false, domain.TriggerApproval, a.Owner, domain.MakerData{
		Kind:     domain.MakerBuyApproval,
		Contract: a.Token,
		Operator: a.Spender,
	})
}

func (p *Processor) handleNFTTransfer(ctx context.Context, b *batch, l types.Log, ts int64) error {
	transfers, err := DecodeNFTTransfers(l, ts)
	if err != nil {
		return err
	}
	batched := l.Topics[0] == topicTransferBatch
	for _, t := range transfers {
		if _, err := p.transfers.InsertNFTTransfer(ctx, t); err != nil {
			return err
		}
		data := domain.MakerData{Kind: domain.MakerSellBalance, Contract: t.Contract, TokenID: t.TokenID}
		if err := p.makerTrigger(b, t.EventMeta, batched, domain.TriggerTransfer, t.From, data); err != nil {
			return err
		}
		if err := p.makerTrigger(b, t.EventMeta, batched, domain.TriggerTransfer, t.To, data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) handleNFTApproval(ctx context.Context, b *batch, l types.Log, ts int64) error {
	a, err := DecodeNFTApproval(l, ts)
	if err != nil {
		return err
	}
	if _, err := p.transfers.InsertNFTApproval(ctx, a); err != nil {
		return err
	}
	return p.makerTrigger(b, a.EventMeta, false, domain.TriggerApproval, a.Owner, domain.MakerData{
		Kind:     domain.MakerSellApproval,
		Contract: a.Contract,
		Operator: a.Operator,
	})
}

// handleSale records a payment processor fill. The event does not carry
// the order hash, so the order is rebuilt from the call that emitted it.
func (p *Processor) handleSale(ctx context.Context, b *batch, l types.Log, ts int64) error {
	if len(l.Topics) != 4 {
		return fmt.Errorf("malformed %s", paymentprocessor.EventBuySingleListing)
	}
	values, err := unpack(paymentprocessor.ExchangeABI, paymentprocessor.EventBuySingleListing, l.Data)
	if err != nil {
		return err
	}
	m := meta(l, ts)
	coin := topicAddress(l.Topics[3])
	buyer := lower(values[0].(common.Address))
	seller := lower(values[1].(common.Address))
	amount := values[3].(*big.Int)
	price := values[4].(*big.Int)

	fill := domain.FillEvent{
		TxHash:      m.TxHash,
		LogIndex:    m.LogIndex,
		BlockNumber: m.BlockNumber,
		Timestamp:   ts,
		OrderKind:   domain.KindPaymentProcessor,
		OrderSide:   domain.OrderSideSell,
		Maker:       seller,
		Taker:       buyer,
		Contract:    topicAddress(l.Topics[2]),
		TokenID:     values[2].(*big.Int).String(),
		Amount:      amount,
		Price:       price,
		Currency:    coin,
	}

	var sale paymentprocessor.Sale
	err = domain.ErrTraceUnavailable
	if b.session != nil {
		sale, err = b.session.Next(ctx, m.TxHash)
	}
	switch {
	case err == nil:
		fill.OrderSide = sale.Order().Side()
		fill.Maker, fill.Taker = sale.Maker(), sale.Taker()
		id, err := p.verifier.Resolve(ctx, p.exchange.Candidate(sale.Order()))
		if err != nil {
			return err
		}
		if id == "" {
			p.logger.WarnContext(ctx, "fill order not resolved",
				slog.String("tx_hash", m.TxHash),
				slog.Uint64("log_index", uint64(m.LogIndex)),
				slog.String("maker", fill.Maker),
			)
		}
		fill.OrderID = id
	case errors.Is(err, domain.ErrTraceUnavailable):
		p.logger.WarnContext(ctx, "fill without trace",
			slog.String("tx_hash", m.TxHash),
			slog.Uint64("log_index", uint64(m.LogIndex)),
			slog.String("error", err.Error()),
		)
	default:
		return err
	}

	if _, err := p.fills.InsertFill(ctx, fill); err != nil {
		return err
	}
	if fill.OrderID != "" {
		// ApplyFill is a no-op for a fill already applied, so a replayed
		// range finishes what a failed attempt left behind.
		if _, err := p.orders.ApplyFill(ctx, fill); err != nil {
			return err
		}
		if err := p.orderUpdate(b, m, domain.TriggerSale, fill.OrderID); err != nil {
			return err
		}
	}

	// Paying in an ERC20 moves the buyer's allowance towards the exchange.
	if coin != zeroAddress {
		return p.makerTrigger(b, m, false, domain.TriggerSale, buyer, domain.MakerData{
			Kind:      domain.MakerBuyApproval,
			Contract:  coin,
			OrderKind: domain.KindPaymentProcessor,
		})
	}
	return nil
}

// handleMasterNonce cancels every order signed under a master nonce up to
// and including the invalidated one.
func (p *Processor) handleMasterNonce(ctx context.Context, b *batch, l types.Log, ts int64) error {
	if len(l.Topics) != 3 {
		return fmt.Errorf("malformed %s", paymentprocessor.EventMasterNonceInvalidated)
	}
	m := meta(l, ts)
	maker := topicAddress(l.Topics[2])
	next := new(big.Int).Add(l.Topics[1].Big(), big.NewInt(1))

	ids, err := p.orders.CancelBelowMasterNonce(ctx, domain.KindPaymentProcessor, maker, next, time.Unix(ts, 0).UTC())
	if err != nil {
		return err
	}
	if err := p.nonces.SetMasterNonce(ctx, domain.KindPaymentProcessor, maker, next); err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.orderUpdate(b, m, domain.TriggerCancel, id); err != nil {
			return err
		}
	}
	return nil
}

// handleNonce cancels the order behind an explicitly revoked nonce. Nonces
// consumed by a fill are handled by the sale.
func (p *Processor) handleNonce(ctx context.Context, b *batch, l types.Log, ts int64) error {
	if len(l.Topics) != 4 {
		return fmt.Errorf("malformed %s", paymentprocessor.EventNonceInvalidated)
	}
	values, err := unpack(paymentprocessor.ExchangeABI, paymentprocessor.EventNonceInvalidated, l.Data)
	if err != nil {
		return err
	}
	if cancelled, _ := values[0].(bool); !cancelled {
		return nil
	}
	m := meta(l, ts)
	maker := topicAddress(l.Topics[2])
	marketplace := common.BytesToAddress(l.Topics[3].Bytes())
	nonce := paymentprocessor.OrderNonce(marketplace, l.Topics[1].Big())

	ids, err := p.orders.CancelByNonce(ctx, domain.KindPaymentProcessor, maker, nonce, time.Unix(ts, 0).UTC())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.orderUpdate(b, m, domain.TriggerCancel, id); err != nil {
			return err
		}
	}
	return nil
}
