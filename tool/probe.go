// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"errors"
	"fmt"

	"github.com/0xsoniclabs/forkstate/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
)

var (
	forkURLFlag = cli.StringFlag{
		Name:     "fork-url",
		Aliases:  []string{"rpc-url"},
		Usage:    "fetch state over a remote archive endpoint",
		Required: true,
	}
	forkBlockFlag = cli.Uint64Flag{
		Name:  "fork-block-number",
		Usage: "fetch state from a specific block number (default: chain head)",
	}
	forkRetryBackoffFlag = cli.DurationFlag{
		Name:  "fork-retry-backoff",
		Usage: "initial retry backoff on transient errors",
	}
	retriesFlag = cli.Uint64Flag{
		Name:  "retries",
		Usage: "number of retry attempts for transient errors",
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Usage: "maximum time granted to a single fetch including retries",
	}
	noStorageCachingFlag = cli.BoolFlag{
		Name:  "no-storage-caching",
		Usage: "read everything from the endpoint, bypassing the persistent response cache",
	}
	cacheDirFlag = cli.StringFlag{
		Name:  "cache-dir",
		Usage: "root directory of the persistent response cache",
	}
)

var Probe = cli.Command{
	Action:    probe,
	Name:      "probe",
	Usage:     "reads an account, and optionally one storage slot, at the pinned block",
	ArgsUsage: "<address> [slot]",
	Flags: []cli.Flag{
		&forkURLFlag,
		&forkBlockFlag,
		&forkRetryBackoffFlag,
		&retriesFlag,
		&timeoutFlag,
		&noStorageCachingFlag,
		&cacheDirFlag,
	},
}

func probe(ctx *cli.Context) (err error) {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("missing account address")
	}
	if !common.IsHexAddress(ctx.Args().Get(0)) {
		return fmt.Errorf("invalid account address: %s", ctx.Args().Get(0))
	}
	addr := common.HexToAddress(ctx.Args().Get(0))

	db, err := state.New(state.Config{
		ForkURL:          ctx.String(forkURLFlag.Name),
		ForkBlockNumber:  ctx.Uint64(forkBlockFlag.Name),
		RetryBackoff:     ctx.Duration(forkRetryBackoffFlag.Name),
		RetryAttempts:    ctx.Uint64(retriesFlag.Name),
		FetchTimeout:     ctx.Duration(timeoutFlag.Name),
		CacheDir:         ctx.String(cacheDirFlag.Name),
		NoStorageCaching: ctx.Bool(noStorageCachingFlag.Name),
	})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	env, err := db.BlockEnv()
	if err != nil {
		return err
	}
	account, err := db.Basic(addr)
	if err != nil {
		return err
	}
	fmt.Printf("Block:    %d (%v)\n", env.Number, env.Hash)
	fmt.Printf("Account:  %v\n", addr)
	fmt.Printf("Balance:  %s\n", account.Balance.Dec())
	fmt.Printf("Nonce:    %d\n", account.Nonce)
	fmt.Printf("Code:     %d bytes (%v)\n", len(account.Code), account.CodeHash)

	if ctx.Args().Len() > 1 {
		slot := common.HexToHash(ctx.Args().Get(1))
		value, err := db.Storage(addr, slot)
		if err != nil {
			return err
		}
		fmt.Printf("Slot %v: %v\n", slot, value)
	}
	return nil
}
