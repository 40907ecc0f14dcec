// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/0xsoniclabs/forkstate/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// ErrNotFound is reported for queries that resolve to no data on the
	// remote source, like a block number beyond the chain head.
	ErrNotFound = common.ConstError("not found")
)

// Client issues point queries against a single remote archive endpoint. All
// state queries are answered as of the client's pinned block number. The
// client performs pure I/O: it does not cache and it does not retry; both
// concerns belong to the layers above.
type Client interface {
	// AccountAt returns the basic account information of the given address
	// at the pinned block. A non-existing account resolves to the empty
	// account, not to an error.
	AccountAt(ctx context.Context, addr common.Address) (common.Account, error)

	// StorageAt returns the value of the given storage slot at the pinned
	// block. An absent slot resolves to the zero word.
	StorageAt(ctx context.Context, addr common.Address, key common.Hash) (common.Hash, error)

	// BlockByNumber returns hash and minimal header fields of the given
	// block, or ErrNotFound if the chain has no such block.
	BlockByNumber(ctx context.Context, number uint64) (common.BlockInfo, error)

	// PinnedBlock returns the block number all state queries are pinned to.
	// A client created without an explicit block number resolves the chain
	// head on first use and pins it for its remaining lifetime.
	PinnedBlock(ctx context.Context) (uint64, error)

	// Close releases the underlying transport.
	Close()
}

// rpcClient implements Client on top of a JSON-RPC connection to an
// archive node.
type rpcClient struct {
	client *rpc.Client

	mu     sync.Mutex
	pinned uint64 // 0 until resolved
}

// Dial connects a client to the given endpoint, pinned to the given block
// number. A block number of zero pins the client to the chain head at the
// time of the first query. No network traffic happens before the first
// query.
func Dial(endpoint string, block uint64) (Client, error) {
	c, err := rpc.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return NewClient(c, block), nil
}

// NewClient wraps an existing RPC connection into a Client pinned to the
// given block number.
func NewClient(c *rpc.Client, block uint64) Client {
	return &rpcClient{client: c, pinned: block}
}

func (c *rpcClient) AccountAt(ctx context.Context, addr common.Address) (common.Account, error) {
	block, err := c.PinnedBlock(ctx)
	if err != nil {
		return common.Account{}, err
	}
	blockArg := hexutil.EncodeUint64(block)

	var (
		nonce   hexutil.Uint64
		balance hexutil.Big
		code    hexutil.Bytes
	)
	batch := []rpc.BatchElem{
		{Method: "eth_getTransactionCount", Args: []any{addr, blockArg}, Result: &nonce},
		{Method: "eth_getBalance", Args: []any{addr, blockArg}, Result: &balance},
		{Method: "eth_getCode", Args: []any{addr, blockArg}, Result: &code},
	}
	if err := c.client.BatchCallContext(ctx, batch); err != nil {
		return common.Account{}, fmt.Errorf("failed to fetch account %v: %w", addr, err)
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return common.Account{}, fmt.Errorf("failed to fetch account %v: %s: %w", addr, elem.Method, elem.Error)
		}
	}

	account := common.Account{
		Nonce:    uint64(nonce),
		CodeHash: common.EmptyCodeHash,
		Code:     []byte(code),
	}
	account.Balance.SetFromBig(balance.ToInt())
	if len(code) > 0 {
		account.CodeHash = common.Keccak256(code)
	}
	return account, nil
}

func (c *rpcClient) StorageAt(ctx context.Context, addr common.Address, key common.Hash) (common.Hash, error) {
	block, err := c.PinnedBlock(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	var value common.Hash
	err = c.client.CallContext(ctx, &value, "eth_getStorageAt", addr, key, hexutil.EncodeUint64(block))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch storage %v[%v]: %w", addr, key, err)
	}
	return value, nil
}

// blockRecord covers the header fields of an eth_getBlockByNumber response
// this backend consumes.
type blockRecord struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
}

func (c *rpcClient) BlockByNumber(ctx context.Context, number uint64) (common.BlockInfo, error) {
	var raw json.RawMessage
	err := c.client.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return common.BlockInfo{}, fmt.Errorf("failed to fetch block %d: %w", number, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return common.BlockInfo{}, ErrNotFound
	}
	var record blockRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return common.BlockInfo{}, fmt.Errorf("failed to decode block %d: %w", number, err)
	}
	info := common.BlockInfo{
		Number:    uint64(record.Number),
		Hash:      record.Hash,
		Timestamp: uint64(record.Timestamp),
		GasLimit:  uint64(record.GasLimit),
	}
	if record.BaseFeePerGas != nil {
		info.BaseFee.SetFromBig(record.BaseFeePerGas.ToInt())
	}
	return info, nil
}

func (c *rpcClient) PinnedBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned != 0 {
		return c.pinned, nil
	}
	var head hexutil.Uint64
	if err := c.client.CallContext(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("failed to resolve chain head: %w", err)
	}
	c.pinned = uint64(head)
	return c.pinned, nil
}

func (c *rpcClient) Close() {
	c.client.Close()
}
