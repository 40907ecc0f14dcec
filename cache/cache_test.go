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
	"testing"

	"github.com/0xsoniclabs/forkstate/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestStateCache_AccountRoundTrip(t *testing.T) {
	require := require.New(t)
	cache := NewStateCache()
	addr := common.Address{0x01}

	_, found := cache.Account(addr)
	require.False(found)

	account := common.Account{Nonce: 2, Balance: *uint256.NewInt(100), CodeHash: common.EmptyCodeHash}
	cache.SetAccount(addr, account)

	got, found := cache.Account(addr)
	require.True(found)
	require.Equal(account, got)

	cache.DeleteAccount(addr)
	_, found = cache.Account(addr)
	require.False(found)
}

func TestStateCache_SetAccountIndexesItsCode(t *testing.T) {
	require := require.New(t)
	cache := NewStateCache()

	code := []byte{0x60, 0x01}
	account := common.Account{CodeHash: common.Keccak256(code), Code: code}
	cache.SetAccount(common.Address{0x01}, account)

	got, found := cache.Code(account.CodeHash)
	require.True(found)
	require.Equal(code, got)
}

func TestStateCache_CachedZeroWordIsDistinctFromAbsent(t *testing.T) {
	require := require.New(t)
	cache := NewStateCache()
	key := common.SlotKey{Address: common.Address{0x01}, Key: common.Hash{0x02}}

	_, found := cache.Storage(key)
	require.False(found)

	cache.SetStorage(key, common.Hash{})
	value, found := cache.Storage(key)
	require.True(found)
	require.Equal(common.Hash{}, value)

	cache.DeleteStorage(key)
	_, found = cache.Storage(key)
	require.False(found)
}

func TestStateCache_BlockRoundTrip(t *testing.T) {
	require := require.New(t)
	cache := NewStateCache()

	_, found := cache.Block(42)
	require.False(found)

	info := common.BlockInfo{Number: 42, Hash: common.Hash{0x42}, Timestamp: 1000}
	cache.SetBlock(42, info)

	got, found := cache.Block(42)
	require.True(found)
	require.Equal(info, got)
}

func TestStateCache_CodeEntriesAreImmutable(t *testing.T) {
	require := require.New(t)
	cache := NewStateCache()

	code := []byte{0x60, 0x01}
	hash := common.Keccak256(code)
	cache.SetCode(hash, code)
	cache.SetCode(hash, []byte{0xFF}) // ignored, the first entry wins

	got, found := cache.Code(hash)
	require.True(found)
	require.Equal(code, got)
}
