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
	"testing"

	"github.com/0xsoniclabs/forkstate/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// chainService is a minimal in-process archive node answering the queries
// the client issues.
type chainService struct {
	accounts map[common.Address]testAccount
	storage  map[common.SlotKey]common.Hash
	blocks   map[uint64]map[string]any
	head     uint64

	headQueries int
}

type testAccount struct {
	nonce   uint64
	balance *uint256.Int
	code    []byte
}

func (s *chainService) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	return hexutil.Uint64(s.accounts[addr].nonce)
}

func (s *chainService) GetBalance(addr common.Address, block string) *hexutil.Big {
	balance := s.accounts[addr].balance
	if balance == nil {
		balance = uint256.NewInt(0)
	}
	return (*hexutil.Big)(balance.ToBig())
}

func (s *chainService) GetCode(addr common.Address, block string) hexutil.Bytes {
	return s.accounts[addr].code
}

func (s *chainService) GetStorageAt(addr common.Address, key common.Hash, block string) common.Hash {
	return s.storage[common.SlotKey{Address: addr, Key: key}]
}

func (s *chainService) GetBlockByNumber(number string, full bool) (map[string]any, error) {
	value, err := hexutil.DecodeUint64(number)
	if err != nil {
		return nil, err
	}
	return s.blocks[value], nil // nil encodes as null for unknown blocks
}

func (s *chainService) BlockNumber() hexutil.Uint64 {
	s.headQueries++
	return hexutil.Uint64(s.head)
}

func startTestNode(t *testing.T, service *chainService) *rpc.Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", service))
	client := rpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client
}

func TestClient_AccountAtCombinesNonceBalanceAndCode(t *testing.T) {
	require := require.New(t)

	addr := common.Address{0xAA}
	code := []byte{0x60, 0x01}
	service := &chainService{
		accounts: map[common.Address]testAccount{
			addr: {nonce: 7, balance: uint256.NewInt(1000), code: code},
		},
	}
	client := NewClient(startTestNode(t, service), 100)

	account, err := client.AccountAt(context.Background(), addr)
	require.NoError(err)
	require.Equal(uint64(7), account.Nonce)
	require.Equal(*uint256.NewInt(1000), account.Balance)
	require.Equal(code, account.Code)
	require.Equal(common.Keccak256(code), account.CodeHash)
}

func TestClient_MissingAccountResolvesToEmptyAccount(t *testing.T) {
	require := require.New(t)

	service := &chainService{}
	client := NewClient(startTestNode(t, service), 100)

	account, err := client.AccountAt(context.Background(), common.Address{0x01})
	require.NoError(err)
	require.True(account.IsEmpty())
	require.Equal(common.EmptyCodeHash, account.CodeHash)
}

func TestClient_StorageAtResolvesAbsentSlotsToZero(t *testing.T) {
	require := require.New(t)

	addr := common.Address{0xBB}
	slot := common.Hash{0x01}
	value := common.Hash{0xFF}
	service := &chainService{
		storage: map[common.SlotKey]common.Hash{
			{Address: addr, Key: slot}: value,
		},
	}
	client := NewClient(startTestNode(t, service), 100)

	got, err := client.StorageAt(context.Background(), addr, slot)
	require.NoError(err)
	require.Equal(value, got)

	got, err = client.StorageAt(context.Background(), addr, common.Hash{0x02})
	require.NoError(err)
	require.Equal(common.Hash{}, got)
}

func TestClient_BlockByNumberDecodesHeaderFields(t *testing.T) {
	require := require.New(t)

	hash := common.Hash{0x42}
	service := &chainService{
		blocks: map[uint64]map[string]any{
			100: {
				"number":        hexutil.Uint64(100),
				"hash":          hash,
				"timestamp":     hexutil.Uint64(1700000000),
				"baseFeePerGas": (*hexutil.Big)(uint256.NewInt(7).ToBig()),
				"gasLimit":      hexutil.Uint64(30_000_000),
			},
		},
	}
	client := NewClient(startTestNode(t, service), 100)

	info, err := client.BlockByNumber(context.Background(), 100)
	require.NoError(err)
	require.Equal(uint64(100), info.Number)
	require.Equal(hash, info.Hash)
	require.Equal(uint64(1700000000), info.Timestamp)
	require.Equal(*uint256.NewInt(7), info.BaseFee)
	require.Equal(uint64(30_000_000), info.GasLimit)
}

func TestClient_UnknownBlockReportsNotFound(t *testing.T) {
	require := require.New(t)

	client := NewClient(startTestNode(t, &chainService{}), 100)

	_, err := client.BlockByNumber(context.Background(), 12345)
	require.ErrorIs(err, ErrNotFound)
}

func TestClient_ExplicitPinNeedsNoResolution(t *testing.T) {
	require := require.New(t)

	service := &chainService{head: 500}
	client := NewClient(startTestNode(t, service), 100)

	block, err := client.PinnedBlock(context.Background())
	require.NoError(err)
	require.Equal(uint64(100), block)
	require.Equal(0, service.headQueries)
}

func TestClient_LatestPinResolvesHeadOnce(t *testing.T) {
	require := require.New(t)

	service := &chainService{head: 500}
	client := NewClient(startTestNode(t, service), 0)

	for range 3 {
		block, err := client.PinnedBlock(context.Background())
		require.NoError(err)
		require.Equal(uint64(500), block)
	}
	require.Equal(1, service.headQueries)
}
