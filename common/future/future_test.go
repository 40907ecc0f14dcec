// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package future

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResult_GetReturnsValueAndError(t *testing.T) {
	require := require.New(t)

	value, err := Ok(42).Get()
	require.NoError(err)
	require.Equal(42, value)

	issue := fmt.Errorf("something failed")
	_, err = Err[int](issue).Get()
	require.ErrorIs(err, issue)
}

func TestFuture_AwaitBlocksUntilFulfilled(t *testing.T) {
	require := require.New(t)

	promise, result := Create[string]()
	go promise.Fulfill("done")
	require.Equal("done", result.Await())
}

func TestFuture_RepeatedAwaitReturnsSameValue(t *testing.T) {
	require := require.New(t)

	promise, result := Create[int]()
	promise.Fulfill(7)
	require.Equal(7, result.Await())
	require.Equal(7, result.Await())
}

func TestFuture_ImmediateIsAlreadyFulfilled(t *testing.T) {
	require := require.New(t)

	result := Immediate(3)
	require.Equal(3, result.Await())
}

func TestFuture_FulfillFromAnotherGoroutineIsDelivered(t *testing.T) {
	require := require.New(t)

	const workers = 8
	results := make([]Future[int], workers)
	for i := 0; i < workers; i++ {
		promise, result := Create[int]()
		results[i] = result
		go func(i int, promise Promise[int]) {
			promise.Fulfill(i)
		}(i, promise)
	}
	for i := 0; i < workers; i++ {
		require.Equal(i, results[i].Await())
	}
}
