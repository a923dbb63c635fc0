package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TriggerKind is the cause attached to every status job.
type TriggerKind string

const (
	TriggerNewOrder     TriggerKind = "new-order"
	TriggerReprice      TriggerKind = "reprice"
	TriggerRevalidation TriggerKind = "revalidation"
	TriggerSale         TriggerKind = "sale"
	TriggerCancel       TriggerKind = "cancel"
	TriggerTransfer     TriggerKind = "transfer"
	TriggerApproval     TriggerKind = "approval"
	TriggerExpiry       TriggerKind = "expiry"
	TriggerBootstrap    TriggerKind = "bootstrap"
)

// Trigger describes the on-chain or off-chain event behind a job.
type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	TxHash      string      `json:"txHash,omitempty"`
	TxTimestamp int64       `json:"txTimestamp,omitempty"`
	LogIndex    int         `json:"logIndex,omitempty"`
	BatchIndex  int         `json:"batchIndex,omitempty"`
}

// MakerDataKind selects which maker-level signal changed.
type MakerDataKind string

const (
	MakerBuyBalance   MakerDataKind = "buy-balance"
	MakerBuyApproval  MakerDataKind = "buy-approval"
	MakerSellBalance  MakerDataKind = "sell-balance"
	MakerSellApproval MakerDataKind = "sell-approval"
)

// MakerData carries the variant-specific fields of a maker trigger.
//
//	buy-balance:   Contract (currency)
//	buy-approval:  Contract (currency) and exactly one of Operator or OrderKind
//	sell-balance:  Contract, TokenID
//	sell-approval: Contract, Operator
type MakerData struct {
	Kind      MakerDataKind `json:"kind"`
	Contract  string        `json:"contract"`
	TokenID   string        `json:"tokenId,omitempty"`
	Operator  string        `json:"operator,omitempty"`
	OrderKind OrderKind     `json:"orderKind,omitempty"`
}

// MakerTrigger asks the reconciler to recompute every order of one maker
// affected by a balance or approval change.
type MakerTrigger struct {
	Context string    `json:"context"`
	Maker   string    `json:"maker"`
	Trigger Trigger   `json:"trigger"`
	Data    MakerData `json:"data"`
}

// Validate checks that the variant carries the fields it needs.
func (m MakerTrigger) Validate() error {
	if m.Maker == "" {
		return fmt.Errorf("%w: maker trigger without maker", ErrInvalidPayload)
	}
	if m.Data.Contract == "" {
		return fmt.Errorf("%w: maker trigger %s without contract", ErrInvalidPayload, m.Data.Kind)
	}
	switch m.Data.Kind {
	case MakerBuyBalance:
	case MakerBuyApproval:
		if (m.Data.Operator == "") == (m.Data.OrderKind == "") {
			return fmt.Errorf("%w: buy-approval needs exactly one of operator or orderKind", ErrInvalidPayload)
		}
	case MakerSellBalance:
		if m.Data.TokenID == "" {
			return fmt.Errorf("%w: sell-balance without tokenId", ErrInvalidPayload)
		}
	case MakerSellApproval:
		if m.Data.Operator == "" {
			return fmt.Errorf("%w: sell-approval without operator", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown maker data kind %q", ErrInvalidPayload, m.Data.Kind)
	}
	return nil
}

// FixBy selects the scope of a fix job.
type FixBy string

const (
	FixByID       FixBy = "id"
	FixByToken    FixBy = "token"
	FixByMaker    FixBy = "maker"
	FixByContract FixBy = "contract"
)

// FixData holds the key for the selected scope. Token is "contract:tokenId".
type FixData struct {
	ID       string `json:"id,omitempty"`
	Token    string `json:"token,omitempty"`
	Maker    string `json:"maker,omitempty"`
	Contract string `json:"contract,omitempty"`
}

// FixTrigger asks for a full re-check of one order or a fan-out over many.
type FixTrigger struct {
	Context string  `json:"context,omitempty"`
	By      FixBy   `json:"by"`
	Data    FixData `json:"data"`
}

// Key returns the scope key matching By.
func (f FixTrigger) Key() string {
	switch f.By {
	case FixByID:
		return f.Data.ID
	case FixByToken:
		return f.Data.Token
	case FixByMaker:
		return f.Data.Maker
	case FixByContract:
		return f.Data.Contract
	}
	return ""
}

// Validate checks the scope and its key.
func (f FixTrigger) Validate() error {
	switch f.By {
	case FixByID, FixByToken, FixByMaker, FixByContract:
	default:
		return fmt.Errorf("%w: unknown fix scope %q", ErrInvalidPayload, f.By)
	}
	if f.Key() == "" {
		return fmt.Errorf("%w: fix by %s without key", ErrInvalidPayload, f.By)
	}
	return nil
}

// OrderUpdate is the downstream notification emitted for a changed order.
type OrderUpdate struct {
	Context string  `json:"context"`
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger"`
}

// PayloadKey hashes any JSON-encodable payload into a stable job id.
func PayloadKey(prefix string, v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return prefix
	}
	sum := sha256.Sum256(raw)
	return prefix + "-" + hex.EncodeToString(sum[:16])
}
