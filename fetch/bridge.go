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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xsoniclabs/forkstate/common"
	"github.com/0xsoniclabs/forkstate/common/future"
	"github.com/0xsoniclabs/forkstate/remote"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"
)

const (
	// ErrTerminal marks a fetch that failed for good: its retry budget is
	// exhausted or its failure is not retryable. Callers must not treat it
	// as absent data.
	ErrTerminal = common.ConstError("terminal fetch failure")
)

// Config bounds the resources the bridge may consume. Zero fields are
// replaced by defaults.
type Config struct {
	// QueueSize is the capacity of the request channel. Submitting to a
	// full queue blocks the caller.
	QueueSize int
	// MaxInFlight bounds the number of concurrently executing fetches.
	MaxInFlight int64
	// RetryAttempts is the number of extra attempts granted to a fetch
	// after its first transient failure.
	RetryAttempts uint64
	// RetryBackoff is the initial delay between attempts; subsequent
	// delays grow exponentially.
	RetryBackoff time.Duration
	// FetchTimeout caps the total time of a single request including all
	// of its retries.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 45 * time.Second
	}
	return c
}

type queryKind int

const (
	queryAccount queryKind = iota
	queryStorage
	queryBlock
	queryPinned
)

func (k queryKind) String() string {
	switch k {
	case queryAccount:
		return "account"
	case queryStorage:
		return "storage"
	case queryBlock:
		return "block"
	case queryPinned:
		return "pinned-block"
	}
	return "unknown"
}

// request describes a single fetch. Exactly one of the promise fields is
// connected, matching the query kind; its fulfillment delivers the result
// to the one caller that submitted the request.
type request struct {
	fork   uint64
	kind   queryKind
	client remote.Client
	addr   common.Address
	slot   common.Hash
	number uint64

	account future.Promise[future.Result[common.Account]]
	word    future.Promise[future.Result[common.Hash]]
	block   future.Promise[future.Result[common.BlockInfo]]
	head    future.Promise[future.Result[uint64]]
}

// Bridge decouples synchronous callers from the asynchronous network layer.
// It owns the only background execution context of the backend: a single
// dispatcher goroutine receives requests over a bounded channel and serves
// each one on a short-lived task, with the number of concurrently
// outstanding network calls bounded by a semaphore. Requests from different
// forks may interleave without ordering guarantees between them.
type Bridge struct {
	cfg      Config
	requests chan request
	inFlight *semaphore.Weighted
	done     chan struct{}
	log      log.Logger
}

// New creates a bridge and starts its dispatcher. The bridge is meant to
// live for the whole process; creating one per fetch defeats its purpose.
func New(cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:      cfg,
		requests: make(chan request, cfg.QueueSize),
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		done:     make(chan struct{}),
		log:      log.New("module", "fetch"),
	}
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer close(b.done)
	for req := range b.requests {
		_ = b.inFlight.Acquire(context.Background(), 1)
		go func(req request) {
			defer b.inFlight.Release(1)
			b.serve(req)
		}(req)
	}
	// Drain outstanding tasks before signaling completion.
	_ = b.inFlight.Acquire(context.Background(), b.cfg.MaxInFlight)
	b.inFlight.Release(b.cfg.MaxInFlight)
}

func (b *Bridge) serve(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FetchTimeout)
	defer cancel()
	switch req.kind {
	case queryAccount:
		value, err := retry(ctx, b, req, func() (common.Account, error) {
			return req.client.AccountAt(ctx, req.addr)
		})
		req.account.Fulfill(future.Result[common.Account]{Value: value, Error: err})
	case queryStorage:
		value, err := retry(ctx, b, req, func() (common.Hash, error) {
			return req.client.StorageAt(ctx, req.addr, req.slot)
		})
		req.word.Fulfill(future.Result[common.Hash]{Value: value, Error: err})
	case queryBlock:
		value, err := retry(ctx, b, req, func() (common.BlockInfo, error) {
			return req.client.BlockByNumber(ctx, req.number)
		})
		req.block.Fulfill(future.Result[common.BlockInfo]{Value: value, Error: err})
	case queryPinned:
		value, err := retry(ctx, b, req, func() (uint64, error) {
			return req.client.PinnedBlock(ctx)
		})
		req.head.Fulfill(future.Result[uint64]{Value: value, Error: err})
	}
}

// retry runs the given fetch with bounded attempts and exponential backoff.
// All queries served by the bridge are idempotent reads, so repeating them
// is safe. A remote.ErrNotFound is a defined answer and passes through
// untouched; every other failure is treated as transient until the budget
// runs out, then escalated to ErrTerminal.
func retry[T any](ctx context.Context, b *Bridge, req request, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryBackoff
	policy.MaxElapsedTime = 0 // the request context carries the deadline

	attempt := 0
	value, err := backoff.RetryWithData(func() (T, error) {
		attempt++
		value, err := op()
		if errors.Is(err, remote.ErrNotFound) {
			return value, backoff.Permanent(err)
		}
		if err != nil {
			b.log.Warn("Transient fetch failure", "fork", req.fork, "kind", req.kind, "attempt", attempt, "err", err)
		}
		return value, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, b.cfg.RetryAttempts), ctx))

	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		b.log.Error("Fetch failed", "fork", req.fork, "kind", req.kind, "attempts", attempt, "err", err)
		var zero T
		return zero, fmt.Errorf("%w (%d attempts): %w", ErrTerminal, attempt, err)
	}
	return value, err
}

// FetchAccount resolves the basic information of an account through the
// given fork's client, blocking the caller until the result is available.
func (b *Bridge) FetchAccount(fork uint64, client remote.Client, addr common.Address) (common.Account, error) {
	promise, result := future.Create[future.Result[common.Account]]()
	b.requests <- request{fork: fork, kind: queryAccount, client: client, addr: addr, account: promise}
	return result.Await().Get()
}

// FetchStorage resolves a single storage slot.
func (b *Bridge) FetchStorage(fork uint64, client remote.Client, addr common.Address, slot common.Hash) (common.Hash, error) {
	promise, result := future.Create[future.Result[common.Hash]]()
	b.requests <- request{fork: fork, kind: queryStorage, client: client, addr: addr, slot: slot, word: promise}
	return result.Await().Get()
}

// FetchBlock resolves block hash and header fields for the given number.
func (b *Bridge) FetchBlock(fork uint64, client remote.Client, number uint64) (common.BlockInfo, error) {
	promise, result := future.Create[future.Result[common.BlockInfo]]()
	b.requests <- request{fork: fork, kind: queryBlock, client: client, number: number, block: promise}
	return result.Await().Get()
}

// FetchPinnedBlock resolves the block number the given client is pinned to.
func (b *Bridge) FetchPinnedBlock(fork uint64, client remote.Client) (uint64, error) {
	promise, result := future.Create[future.Result[uint64]]()
	b.requests <- request{fork: fork, kind: queryPinned, client: client, head: promise}
	return result.Await().Get()
}

// Close shuts the dispatcher down after all accepted requests have been
// served. No request may be submitted afterwards.
func (b *Bridge) Close() {
	close(b.requests)
	<-b.done
}
