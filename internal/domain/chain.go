package domain

import (
	"context"
	"math/big"
)

// CallFrame is one node of a callTracer trace.
type CallFrame struct {
	Type   string      `json:"type"`
	From   string      `json:"from"`
	To     string      `json:"to"`
	Input  string      `json:"input"`
	Output string      `json:"output,omitempty"`
	Value  string      `json:"value,omitempty"`
	Error  string      `json:"error,omitempty"`
	Calls  []CallFrame `json:"calls,omitempty"`
}

// ChainReader is the read-only view of the chain used by checkers and
// the reconciler.
type ChainReader interface {
	ERC20Balance(ctx context.Context, token, owner string) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	NFTBalance(ctx context.Context, contract, tokenID, owner string) (*big.Int, error)
	IsApprovedForAll(ctx context.Context, contract, owner, operator string) (bool, error)
}

// TraceSource fetches execution traces of mined transactions.
type TraceSource interface {
	TransactionTrace(ctx context.Context, txHash string) (*CallFrame, error)
	TransactionCall(ctx context.Context, txHash string) (*CallFrame, error)
}

// FillEvent is a decoded sale, optionally linked to a stored order.
type FillEvent struct {
	TxHash      string
	LogIndex    uint
	BatchIndex  int
	BlockNumber uint64
	Timestamp   int64
	OrderKind   OrderKind
	OrderID     string // empty when the order could not be resolved
	OrderSide   OrderSide
	Maker       string
	Taker       string
	Contract    string
	TokenID     string
	Amount      *big.Int
	Price       *big.Int
	Currency    string
}
