// Package chain reads balances, approvals, logs and call traces from an
// Ethereum JSON-RPC node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Limiter throttles outgoing RPC requests.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

const (
	limiterKey          = "rpc"
	defaultCallTimeout  = 10 * time.Second
	defaultTraceTimeout = 30 * time.Second
)

// Options tunes a Client. Zero timeouts use the defaults.
type Options struct {
	Limiter      Limiter // nil disables throttling
	CallTimeout  time.Duration
	TraceTimeout time.Duration
}

// Client wraps an ethclient.Client together with the raw rpc.Client needed
// for debug namespace calls.
type Client struct {
	*ethclient.Client
	rpc  *rpc.Client
	opts Options

	mu     sync.RWMutex
	is1155 map[common.Address]bool
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.TraceTimeout <= 0 {
		opts.TraceTimeout = defaultTraceTimeout
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return &Client{
		Client: ethclient.NewClient(c),
		rpc:    c,
		opts:   opts,
		is1155: make(map[common.Address]bool),
	}, nil
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	if _, err := c.ChainID(ctx); err != nil {
		return fmt.Errorf("chain: ping: %w", err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.opts.Limiter == nil {
		return nil
	}
	return c.opts.Limiter.Wait(ctx, limiterKey)
}

func (c *Client) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s from %s: %w", method, to.Hex(), err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("chain: %s on %s returned nothing", method, to.Hex())
	}
	return values, nil
}

// ERC20Balance returns the token balance of owner.
func (c *Client) ERC20Balance(ctx context.Context, token, owner string) (*big.Int, error) {
	out, err := c.call(ctx, tokenABI, common.HexToAddress(token), "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// ERC20Allowance returns how much spender may move on behalf of owner.
func (c *Client) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	out, err := c.call(ctx, tokenABI, common.HexToAddress(token), "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// NFTBalance returns how many units of the token owner holds. ERC721
// tokens report 0 or 1.
func (c *Client) NFTBalance(ctx context.Context, contract, tokenID, owner string) (*big.Int, error) {
	addr := common.HexToAddress(contract)
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("chain: invalid token id %q", tokenID)
	}

	multi, err := c.isERC1155(ctx, addr)
	if err != nil {
		return nil, err
	}
	if multi {
		out, err := c.call(ctx, erc1155ABI, addr, "balanceOf", common.HexToAddress(owner), id)
		if err != nil {
			return nil, err
		}
		return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
	}

	out, err := c.call(ctx, tokenABI, addr, "ownerOf", id)
	if err != nil {
		// Burned or never minted tokens revert.
		if isRevert(err) {
			return new(big.Int), nil
		}
		return nil, err
	}
	holder := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if strings.EqualFold(holder.Hex(), owner) {
		return big.NewInt(1), nil
	}
	return new(big.Int), nil
}

func (c *Client) isERC1155(ctx context.Context, contract common.Address) (bool, error) {
	c.mu.RLock()
	v, ok := c.is1155[contract]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	out, err := c.call(ctx, tokenABI, contract, "supportsInterface", erc1155InterfaceID)
	multi := false
	if err == nil {
		multi = *abi.ConvertType(out[0], new(bool)).(*bool)
	} else if !isRevert(err) {
		return false, err
	}

	c.mu.Lock()
	c.is1155[contract] = multi
	c.mu.Unlock()
	return multi, nil
}

// IsApprovedForAll reports whether operator may move all of owner's tokens.
func (c *Client) IsApprovedForAll(ctx context.Context, contract, owner, operator string) (bool, error) {
	out, err := c.call(ctx, tokenABI, common.HexToAddress(contract), "isApprovedForAll",
		common.HexToAddress(owner), common.HexToAddress(operator))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// IsOperatorAllowed asks an operator filter registry whether the collection
// lets operator transfer its tokens.
func (c *Client) IsOperatorAllowed(ctx context.Context, registry, collection, operator string) (bool, error) {
	out, err := c.call(ctx, operatorFilterABI, common.HexToAddress(registry), "isOperatorAllowed",
		common.HexToAddress(collection), common.HexToAddress(operator))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// TransactionTrace runs debug_traceTransaction with the callTracer.
func (c *Client) TransactionTrace(ctx context.Context, txHash string) (*domain.CallFrame, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.TraceTimeout)
	defer cancel()
	var frame *domain.CallFrame
	err := c.rpc.CallContext(ctx, &frame, "debug_traceTransaction",
		common.HexToHash(txHash), map[string]any{"tracer": "callTracer"})
	if err != nil {
		return nil, fmt.Errorf("chain: trace %s: %w", txHash, err)
	}
	if frame == nil {
		return nil, domain.ErrTraceUnavailable
	}
	return frame, nil
}

// TransactionCall returns the top-level call of a transaction as a frame
// without children.
func (c *Client) TransactionCall(ctx context.Context, txHash string) (*domain.CallFrame, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	tx, _, err := c.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("chain: transaction %s: %w", txHash, err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("chain: sender of %s: %w", txHash, err)
	}
	frame := &domain.CallFrame{
		Type:  "CALL",
		From:  strings.ToLower(from.Hex()),
		Input: hexutil.Encode(tx.Data()),
		Value: hexutil.EncodeBig(tx.Value()),
	}
	if tx.To() != nil {
		frame.To = strings.ToLower(tx.To().Hex())
	}
	return frame, nil
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

var (
	_ domain.ChainReader = (*Client)(nil)
	_ domain.TraceSource = (*Client)(nil)
)
