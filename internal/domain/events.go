package domain

import "math/big"

// EventMeta locates a decoded log on chain.
type EventMeta struct {
	TxHash      string
	LogIndex    uint
	BatchIndex  int
	BlockNumber uint64
	Timestamp   int64
	Address     string
}

// NFTTransfer is an ERC721 or ERC1155 transfer.
type NFTTransfer struct {
	EventMeta
	Contract string
	TokenID  string
	From     string
	To       string
	Amount   *big.Int
}

// NFTApproval is an ApprovalForAll change.
type NFTApproval struct {
	EventMeta
	Contract string
	Owner    string
	Operator string
	Approved bool
}

// FTTransfer is an ERC20 transfer.
type FTTransfer struct {
	EventMeta
	Token  string
	From   string
	To     string
	Amount *big.Int
}

// FTApproval is an ERC20 allowance change.
type FTApproval struct {
	EventMeta
	Token   string
	Owner   string
	Spender string
	Value   *big.Int
}
