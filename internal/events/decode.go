package events

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

func meta(l types.Log, ts int64) domain.EventMeta {
	return domain.EventMeta{
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		Timestamp:   ts,
		Address:     lower(l.Address),
	}
}

func lower(a common.Address) string { return strings.ToLower(a.Hex()) }

func topicAddress(h common.Hash) string { return lower(common.BytesToAddress(h.Bytes())) }

func unpack(parsed abi.ABI, event string, data []byte) ([]any, error) {
	values, err := parsed.Events[event].Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("events: unpack %s: %w", event, err)
	}
	return values, nil
}

// DecodeFTTransfer decodes an ERC20 Transfer (two indexed arguments).
func DecodeFTTransfer(l types.Log, ts int64) (domain.FTTransfer, error) {
	if len(l.Topics) != 3 || len(l.Data) != 32 {
		return domain.FTTransfer{}, fmt.Errorf("events: not an erc20 transfer")
	}
	return domain.FTTransfer{
		EventMeta: meta(l, ts),
		Token:     lower(l.Address),
		From:      topicAddress(l.Topics[1]),
		To:        topicAddress(l.Topics[2]),
		Amount:    new(big.Int).SetBytes(l.Data),
	}, nil
}

// DecodeFTApproval decodes an ERC20 Approval.
func DecodeFTApproval(l types.Log, ts int64) (domain.FTApproval, error) {
	if len(l.Topics) != 3 || len(l.Data) != 32 {
		return domain.FTApproval{}, fmt.Errorf("events: not an erc20 approval")
	}
	return domain.FTApproval{
		EventMeta: meta(l, ts),
		Token:     lower(l.Address),
		Owner:     topicAddress(l.Topics[1]),
		Spender:   topicAddress(l.Topics[2]),
		Value:     new(big.Int).SetBytes(l.Data),
	}, nil
}

// DecodeNFTTransfers decodes ERC721 Transfer and ERC1155 TransferSingle or
// TransferBatch logs. Batch entries carry their position in BatchIndex.
func DecodeNFTTransfers(l types.Log, ts int64) ([]domain.NFTTransfer, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("events: anonymous log")
	}
	base := domain.NFTTransfer{EventMeta: meta(l, ts), Contract: lower(l.Address)}

	switch l.Topics[0] {
	case topicTransfer:
		if len(l.Topics) != 4 {
			return nil, fmt.Errorf("events: not an erc721 transfer")
		}
		t := base
		t.From = topicAddress(l.Topics[1])
		t.To = topicAddress(l.Topics[2])
		t.TokenID = l.Topics[3].Big().String()
		t.Amount = big.NewInt(1)
		return []domain.NFTTransfer{t}, nil

	case topicTransferSingle:
		if len(l.Topics) != 4 {
			return nil, fmt.Errorf("events: malformed TransferSingle")
		}
		values, err := unpack(erc1155ABI, "TransferSingle", l.Data)
		if err != nil {
			return nil, err
		}
		t := base
		t.From = topicAddress(l.Topics[2])
		t.To = topicAddress(l.Topics[3])
		t.TokenID = values[0].(*big.Int).String()
		t.Amount = values[1].(*big.Int)
		return []domain.NFTTransfer{t}, nil

	case topicTransferBatch:
		if len(l.Topics) != 4 {
			return nil, fmt.Errorf("events: malformed TransferBatch")
		}
		values, err := unpack(erc1155ABI, "TransferBatch", l.Data)
		if err != nil {
			return nil, err
		}
		ids, amounts := values[0].([]*big.Int), values[1].([]*big.Int)
		if len(ids) != len(amounts) {
			return nil, fmt.Errorf("events: TransferBatch with %d ids and %d values", len(ids), len(amounts))
		}
		out := make([]domain.NFTTransfer, 0, len(ids))
		for i := range ids {
			t := base
			t.BatchIndex = i
			t.From = topicAddress(l.Topics[2])
			t.To = topicAddress(l.Topics[3])
			t.TokenID = ids[i].String()
			t.Amount = amounts[i]
			out = append(out, t)
		}
		return out, nil
	}
	return nil, fmt.Errorf("events: topic %s is not an nft transfer", l.Topics[0].Hex())
}

// DecodeNFTApproval decodes ApprovalForAll.
func DecodeNFTApproval(l types.Log, ts int64) (domain.NFTApproval, error) {
	if len(l.Topics) != 3 {
		return domain.NFTApproval{}, fmt.Errorf("events: malformed ApprovalForAll")
	}
	values, err := unpack(erc1155ABI, "ApprovalForAll", l.Data)
	if err != nil {
		return domain.NFTApproval{}, err
	}
	return domain.NFTApproval{
		EventMeta: meta(l, ts),
		Contract:  lower(l.Address),
		Owner:     topicAddress(l.Topics[1]),
		Operator:  topicAddress(l.Topics[2]),
		Approved:  values[0].(bool),
	}, nil
}
