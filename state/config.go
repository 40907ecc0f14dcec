// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package state

import (
	"time"

	"github.com/0xsoniclabs/forkstate/fetch"
)

// Config is the read-only configuration surface of the backend. It is
// supplied by external configuration loading; the backend only consumes it.
type Config struct {
	// ForkURL is the endpoint of the remote archive source the initial
	// fork is created against. If empty, the backend starts with a purely
	// local fork where every read resolves to defined defaults.
	ForkURL string

	// ForkBlockNumber pins the initial fork to a historical block. Zero
	// pins it to the chain head at the time of the first access.
	ForkBlockNumber uint64

	// RetryAttempts, RetryBackoff, and FetchTimeout bound the retry
	// behavior of remote fetches. Zero values select defaults.
	RetryAttempts uint64
	RetryBackoff  time.Duration
	FetchTimeout  time.Duration

	// QueueSize and MaxInFlight bound the fetch bridge's request queue and
	// its number of concurrently outstanding network calls.
	QueueSize   int
	MaxInFlight int64

	// CacheDir is the root directory of the persistent response cache.
	// If empty, or if NoStorageCaching is set, responses are not persisted
	// across runs.
	CacheDir         string
	NoStorageCaching bool

	// FrontCacheEntries bounds the in-memory front of the persistent
	// cache. Zero selects a default derived from total system memory.
	FrontCacheEntries int
}

func (c Config) fetchConfig() fetch.Config {
	return fetch.Config{
		QueueSize:     c.QueueSize,
		MaxInFlight:   c.MaxInFlight,
		RetryAttempts: c.RetryAttempts,
		RetryBackoff:  c.RetryBackoff,
		FetchTimeout:  c.FetchTimeout,
	}
}
