// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package fetch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/0xsoniclabs/forkstate/common"
	"github.com/0xsoniclabs/forkstate/remote"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func fastConfig() Config {
	return Config{RetryAttempts: 2, RetryBackoff: time.Millisecond}
}

func TestBridge_DeliversFetchedValues(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	addr := common.Address{0x01}
	slot := common.Hash{0x02}
	account := common.Account{Nonce: 3, Balance: *uint256.NewInt(12), CodeHash: common.EmptyCodeHash}
	word := common.Hash{0xAB}
	info := common.BlockInfo{Number: 42, Hash: common.Hash{0x42}}

	client := remote.NewMockClient(ctrl)
	client.EXPECT().AccountAt(gomock.Any(), addr).Return(account, nil)
	client.EXPECT().StorageAt(gomock.Any(), addr, slot).Return(word, nil)
	client.EXPECT().BlockByNumber(gomock.Any(), uint64(42)).Return(info, nil)
	client.EXPECT().PinnedBlock(gomock.Any()).Return(uint64(100), nil)

	bridge := New(fastConfig())
	defer bridge.Close()

	got, err := bridge.FetchAccount(1, client, addr)
	require.NoError(err)
	require.Equal(account, got)

	value, err := bridge.FetchStorage(1, client, addr, slot)
	require.NoError(err)
	require.Equal(word, value)

	block, err := bridge.FetchBlock(1, client, 42)
	require.NoError(err)
	require.Equal(info, block)

	head, err := bridge.FetchPinnedBlock(1, client)
	require.NoError(err)
	require.Equal(uint64(100), head)
}

func TestBridge_RetriesTransientFailures(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	addr := common.Address{0x01}
	account := common.Account{Nonce: 7, CodeHash: common.EmptyCodeHash}

	client := remote.NewMockClient(ctrl)
	gomock.InOrder(
		client.EXPECT().AccountAt(gomock.Any(), addr).Return(common.Account{}, fmt.Errorf("connection reset")),
		client.EXPECT().AccountAt(gomock.Any(), addr).Return(common.Account{}, fmt.Errorf("connection reset")),
		client.EXPECT().AccountAt(gomock.Any(), addr).Return(account, nil),
	)

	bridge := New(fastConfig())
	defer bridge.Close()

	got, err := bridge.FetchAccount(1, client, addr)
	require.NoError(err)
	require.Equal(account, got)
}

func TestBridge_ExhaustedRetryBudgetIsTerminal(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	addr := common.Address{0x01}
	client := remote.NewMockClient(ctrl)
	client.EXPECT().AccountAt(gomock.Any(), addr).
		Return(common.Account{}, fmt.Errorf("connection reset")).
		Times(3) // the first attempt plus two retries

	bridge := New(fastConfig())
	defer bridge.Close()

	_, err := bridge.FetchAccount(1, client, addr)
	require.ErrorIs(err, ErrTerminal)
}

func TestBridge_NotFoundIsNotRetried(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	client := remote.NewMockClient(ctrl)
	client.EXPECT().BlockByNumber(gomock.Any(), uint64(999)).
		Return(common.BlockInfo{}, remote.ErrNotFound).
		Times(1)

	bridge := New(fastConfig())
	defer bridge.Close()

	_, err := bridge.FetchBlock(1, client, 999)
	require.ErrorIs(err, remote.ErrNotFound)
	require.NotErrorIs(err, ErrTerminal)
}

func TestBridge_ServesConcurrentRequests(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	const workers = 32

	client := remote.NewMockClient(ctrl)
	client.EXPECT().StorageAt(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ any, _ common.Address, key common.Hash) (common.Hash, error) {
			return key, nil // echo the key so each caller can check its own answer
		}).
		Times(workers)

	bridge := New(Config{QueueSize: 4, MaxInFlight: 4})
	defer bridge.Close()

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := common.Hash{byte(i)}
			value, err := bridge.FetchStorage(1, client, common.Address{0x01}, key)
			if err == nil && value != key {
				err = fmt.Errorf("got foreign answer %v for key %v", value, key)
			}
			errs[i] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(err)
	}
}

func TestBridge_CloseWaitsForAcceptedRequests(t *testing.T) {
	require := require.New(t)
	ctrl := gomock.NewController(t)

	started := make(chan struct{})
	release := make(chan struct{})

	client := remote.NewMockClient(ctrl)
	client.EXPECT().PinnedBlock(gomock.Any()).
		DoAndReturn(func(_ any) (uint64, error) {
			close(started)
			<-release
			return 123, nil
		})

	bridge := New(fastConfig())

	var head uint64
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		head, err = bridge.FetchPinnedBlock(1, client)
	}()

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	bridge.Close() // must block until the in-flight fetch completed

	<-done
	require.NoError(err)
	require.Equal(uint64(123), head)
}
