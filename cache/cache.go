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
	"github.com/0xsoniclabs/forkstate/common"
)

// StateCache is the in-memory state overlay of a single fork. It holds
// every account, storage slot, and block resolved from the remote source so
// far, plus all local writes. Entries are never evicted for the lifetime of
// the fork; a populated entry is only replaced by a local write or removed
// by a snapshot revert.
//
// The cache is exclusively owned by its fork and mutated only by the single
// execution thread, so it needs no locking.
type StateCache struct {
	accounts map[common.Address]common.Account
	storage  map[common.SlotKey]common.Hash
	blocks   map[uint64]common.BlockInfo
	codes    map[common.Hash][]byte
}

func NewStateCache() *StateCache {
	return &StateCache{
		accounts: make(map[common.Address]common.Account),
		storage:  make(map[common.SlotKey]common.Hash),
		blocks:   make(map[uint64]common.BlockInfo),
		codes:    make(map[common.Hash][]byte),
	}
}

// Account returns the cached account for the given address, if present.
func (c *StateCache) Account(addr common.Address) (common.Account, bool) {
	account, found := c.accounts[addr]
	return account, found
}

// SetAccount stores the given account, replacing any previous entry.
func (c *StateCache) SetAccount(addr common.Address, account common.Account) {
	c.accounts[addr] = account
	if len(account.Code) > 0 {
		c.SetCode(account.CodeHash, account.Code)
	}
}

// DeleteAccount removes the entry for the given address, returning it to
// the unresolved state.
func (c *StateCache) DeleteAccount(addr common.Address) {
	delete(c.accounts, addr)
}

// Storage returns the cached value of the given slot, if present. A cached
// zero word is distinct from an absent entry: the former is a resolved
// value, the latter has never been accessed.
func (c *StateCache) Storage(key common.SlotKey) (common.Hash, bool) {
	value, found := c.storage[key]
	return value, found
}

// SetStorage stores the given slot value, replacing any previous entry.
func (c *StateCache) SetStorage(key common.SlotKey, value common.Hash) {
	c.storage[key] = value
}

// DeleteStorage removes the entry for the given slot.
func (c *StateCache) DeleteStorage(key common.SlotKey) {
	delete(c.storage, key)
}

// Block returns the cached info for the given block number, if present.
func (c *StateCache) Block(number uint64) (common.BlockInfo, bool) {
	info, found := c.blocks[number]
	return info, found
}

// SetBlock stores the given block info. Blocks are pinned history and never
// change, so entries are written once.
func (c *StateCache) SetBlock(number uint64, info common.BlockInfo) {
	c.blocks[number] = info
}

// Code returns the code bytes stored under the given hash, if present.
func (c *StateCache) Code(hash common.Hash) ([]byte, bool) {
	code, found := c.codes[hash]
	return code, found
}

// SetCode stores code under its hash. Code bytes for a given hash are
// immutable, so an existing entry is kept as is.
func (c *StateCache) SetCode(hash common.Hash, code []byte) {
	if _, found := c.codes[hash]; found {
		return
	}
	c.codes[hash] = code
}
