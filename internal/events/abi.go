package events

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Approval","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"spender","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}
  ]}
]`

const erc1155ABIJSON = `[
  {"type":"event","name":"TransferSingle","anonymous":false,"inputs":[
    {"name":"operator","type":"address","indexed":true},
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"id","type":"uint256","indexed":false},
    {"name":"value","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"TransferBatch","anonymous":false,"inputs":[
    {"name":"operator","type":"address","indexed":true},
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"ids","type":"uint256[]","indexed":false},
    {"name":"values","type":"uint256[]","indexed":false}
  ]},
  {"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"operator","type":"address","indexed":true},
    {"name":"approved","type":"bool","indexed":false}
  ]}
]`

var (
	erc20ABI   = mustABI(erc20ABIJSON)
	erc1155ABI = mustABI(erc1155ABIJSON)

	// Transfer has the same topic for ERC20 and ERC721; the number of
	// indexed arguments tells them apart. The same goes for Approval.
	topicTransfer       = erc20ABI.Events["Transfer"].ID
	topicApproval       = erc20ABI.Events["Approval"].ID
	topicTransferSingle = erc1155ABI.Events["TransferSingle"].ID
	topicTransferBatch  = erc1155ABI.Events["TransferBatch"].ID
	topicApprovalForAll = erc1155ABI.Events["ApprovalForAll"].ID
)

// Topics returns the event topics the processor understands besides the
// exchange events, for use in log filters.
func Topics() []common.Hash {
	return []common.Hash{topicTransfer, topicApproval, topicTransferSingle, topicTransferBatch, topicApprovalForAll}
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
