// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/0xsoniclabs/forkstate/common"
	"github.com/0xsoniclabs/forkstate/remote"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pbnjay/memory"
	"github.com/syndtr/goleveldb/leveldb"
)

// diskClient is a remote.Client decorator that persists every response to
// an on-disk store. State pinned to a historical block never changes, so
// entries are valid forever; repeated runs against the same (endpoint,
// block) pair make no network calls at all. A bounded LRU in front of the
// store absorbs repeated reads of hot keys.
type diskClient struct {
	inner remote.Client
	db    *leveldb.DB
	front *lru.Cache[string, []byte]
	log   log.Logger
}

// OpenDiskCache wraps the given client with a persistent response cache
// rooted at dir. The keyspace is derived from the endpoint and the pinned
// block number, so a rolled fork naturally starts from an empty cache.
// The pinned block must be explicit; "latest" pins cannot be cached.
func OpenDiskCache(dir, endpoint string, block uint64, frontEntries int, inner remote.Client) (remote.Client, error) {
	if block == 0 {
		return nil, fmt.Errorf("disk cache requires an explicit pinned block")
	}
	digest := common.Keccak256([]byte(endpoint))
	path := filepath.Join(dir, hexutil.Encode(digest[:8]), strconv.FormatUint(block, 10))
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk cache at %s: %w", path, err)
	}
	if frontEntries <= 0 {
		frontEntries = DefaultFrontEntries()
	}
	front, err := lru.New[string, []byte](frontEntries)
	if err != nil {
		return nil, err
	}
	return &diskClient{
		inner: inner,
		db:    db,
		front: front,
		log:   log.New("module", "diskcache"),
	}, nil
}

// DefaultFrontEntries sizes the in-memory LRU front relative to the total
// memory of the machine, assuming a few hundred bytes per entry.
func DefaultFrontEntries() int {
	const entryEstimate = 512
	budget := memory.TotalMemory() / 128
	entries := int(budget / entryEstimate)
	if entries < 1024 {
		entries = 1024
	}
	return entries
}

type accountRecord struct {
	Nonce   hexutil.Uint64 `json:"nonce"`
	Balance *hexutil.Big   `json:"balance"`
	Code    hexutil.Bytes  `json:"code"`
}

type slotRecord struct {
	Value common.Hash `json:"value"`
}

type blockInfoRecord struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	BaseFee   *hexutil.Big   `json:"baseFeePerGas"`
	GasLimit  hexutil.Uint64 `json:"gasLimit"`
}

func (c *diskClient) AccountAt(ctx context.Context, addr common.Address) (common.Account, error) {
	key := "a/" + addr.Hex()
	if data, found := c.lookup(key); found {
		var record accountRecord
		if err := json.Unmarshal(data, &record); err == nil {
			return recordToAccount(record), nil
		}
		c.log.Warn("Dropping corrupt cache entry", "key", key)
	}
	account, err := c.inner.AccountAt(ctx, addr)
	if err != nil {
		return common.Account{}, err
	}
	balance := account.Balance.ToBig()
	c.store(key, accountRecord{
		Nonce:   hexutil.Uint64(account.Nonce),
		Balance: (*hexutil.Big)(balance),
		Code:    account.Code,
	})
	return account, nil
}

func (c *diskClient) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := "s/" + addr.Hex() + slot.Hex()
	if data, found := c.lookup(key); found {
		var record slotRecord
		if err := json.Unmarshal(data, &record); err == nil {
			return record.Value, nil
		}
		c.log.Warn("Dropping corrupt cache entry", "key", key)
	}
	value, err := c.inner.StorageAt(ctx, addr, slot)
	if err != nil {
		return common.Hash{}, err
	}
	c.store(key, slotRecord{Value: value})
	return value, nil
}

func (c *diskClient) BlockByNumber(ctx context.Context, number uint64) (common.BlockInfo, error) {
	key := "b/" + strconv.FormatUint(number, 10)
	if data, found := c.lookup(key); found {
		var record blockInfoRecord
		if err := json.Unmarshal(data, &record); err == nil {
			info := common.BlockInfo{
				Number:    uint64(record.Number),
				Hash:      record.Hash,
				Timestamp: uint64(record.Timestamp),
				GasLimit:  uint64(record.GasLimit),
			}
			if record.BaseFee != nil {
				info.BaseFee.SetFromBig(record.BaseFee.ToInt())
			}
			return info, nil
		}
		c.log.Warn("Dropping corrupt cache entry", "key", key)
	}
	info, err := c.inner.BlockByNumber(ctx, number)
	if err != nil {
		// An absent block is not persisted; the chain may grow past it.
		return common.BlockInfo{}, err
	}
	baseFee := info.BaseFee.ToBig()
	c.store(key, blockInfoRecord{
		Number:    hexutil.Uint64(info.Number),
		Hash:      info.Hash,
		Timestamp: hexutil.Uint64(info.Timestamp),
		BaseFee:   (*hexutil.Big)(baseFee),
		GasLimit:  hexutil.Uint64(info.GasLimit),
	})
	return info, nil
}

func (c *diskClient) PinnedBlock(ctx context.Context) (uint64, error) {
	return c.inner.PinnedBlock(ctx)
}

func (c *diskClient) Close() {
	c.inner.Close()
	if err := c.db.Close(); err != nil {
		c.log.Warn("Failed to close disk cache", "err", err)
	}
}

// lookup checks the LRU front first and falls back to the store. Any store
// issue is treated as a miss; the network path remains available.
func (c *diskClient) lookup(key string) ([]byte, bool) {
	if data, found := c.front.Get(key); found {
		return data, true
	}
	compressed, err := c.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false
	}
	if err != nil {
		c.log.Warn("Disk cache read failed", "key", key, "err", err)
		return nil, false
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		c.log.Warn("Dropping corrupt cache entry", "key", key, "err", err)
		return nil, false
	}
	c.front.Add(key, data)
	return data, true
}

// store persists a record. A write failure only costs a future re-fetch,
// so it is logged and swallowed.
func (c *diskClient) store(key string, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		c.log.Warn("Failed to encode cache entry", "key", key, "err", err)
		return
	}
	c.front.Add(key, data)
	if err := c.db.Put([]byte(key), snappy.Encode(nil, data), nil); err != nil {
		c.log.Warn("Disk cache write failed", "key", key, "err", err)
	}
}

func recordToAccount(record accountRecord) common.Account {
	account := common.Account{
		Nonce:    uint64(record.Nonce),
		CodeHash: common.EmptyCodeHash,
		Code:     record.Code,
	}
	if record.Balance != nil {
		account.Balance.SetFromBig(record.Balance.ToInt())
	}
	if len(record.Code) > 0 {
		account.CodeHash = common.Keccak256(record.Code)
	}
	return account
}
