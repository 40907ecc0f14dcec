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
	"github.com/0xsoniclabs/forkstate/common"
	"golang.org/x/exp/maps"
)

// journalEntry is a single undoable mutation of a fork's local cache.
type journalEntry interface {
	revert(f *fork)
}

// journal is the ordered log of local mutations of one fork. Only local
// writes are journaled; values filled in from the remote source are not,
// since a revert must never discard already-fetched remote data. Reverting
// to a marker replays the log backwards and truncates it, which makes the
// cost of a revert proportional to what happened after the checkpoint, not
// to the total cache size.
type journal struct {
	entries []journalEntry
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) length() int {
	return len(j.entries)
}

func (j *journal) revert(f *fork, marker int) {
	for i := len(j.entries) - 1; i >= marker; i-- {
		j.entries[i].revert(f)
	}
	j.entries = j.entries[:marker]
}

// dirtyAccounts enumerates the addresses written since the given marker.
func (j *journal) dirtyAccounts(marker int) []common.Address {
	dirty := map[common.Address]struct{}{}
	for _, entry := range j.entries[marker:] {
		if change, ok := entry.(accountChange); ok {
			dirty[change.addr] = struct{}{}
		}
	}
	return maps.Keys(dirty)
}

// dirtySlots enumerates the storage slots written since the given marker.
func (j *journal) dirtySlots(marker int) []common.SlotKey {
	dirty := map[common.SlotKey]struct{}{}
	for _, entry := range j.entries[marker:] {
		if change, ok := entry.(storageChange); ok {
			dirty[change.key] = struct{}{}
		}
	}
	return maps.Keys(dirty)
}

type (
	// accountChange records the state of an account before a local write.
	accountChange struct {
		addr    common.Address
		prev    common.Account
		existed bool
	}

	// storageChange records the state of a storage slot before a local
	// write. A slot that was not resolved before the write returns to the
	// unresolved state on revert.
	storageChange struct {
		key     common.SlotKey
		prev    common.Hash
		existed bool
	}
)

func (ch accountChange) revert(f *fork) {
	if ch.existed {
		f.cache.SetAccount(ch.addr, ch.prev)
	} else {
		f.cache.DeleteAccount(ch.addr)
	}
}

func (ch storageChange) revert(f *fork) {
	if ch.existed {
		f.cache.SetStorage(ch.key, ch.prev)
	} else {
		f.cache.DeleteStorage(ch.key)
	}
}
