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
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/0xsoniclabs/forkstate/cache"
	"github.com/0xsoniclabs/forkstate/common"
	"github.com/0xsoniclabs/forkstate/fetch"
	"github.com/0xsoniclabs/forkstate/remote"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

const (
	// ErrUnknownFork is reported when selecting or rolling a fork id that
	// was never created. No state is mutated.
	ErrUnknownFork = common.ConstError("unknown fork")

	// ErrInvalidSnapshot is reported when reverting to a token that is
	// unknown or was invalidated by an earlier revert. The revert is a
	// no-op; callers may revert defensively.
	ErrInvalidSnapshot = common.ConstError("invalid snapshot token")

	// ErrForeignSnapshot is reported when reverting to a token that was
	// taken on a fork other than the active one.
	ErrForeignSnapshot = common.ConstError("snapshot belongs to a different fork")

	// ErrUnknownCode is reported when code is requested for a hash that
	// was never resolved through an account. Execution cannot proceed
	// without the bytecode, so this is fatal to the in-flight call.
	ErrUnknownCode = common.ConstError("unknown code hash")
)

// ForkID identifies one independently forked view of remote chain state.
type ForkID uint64

// SnapshotID is an opaque checkpoint token. Tokens increase monotonically
// across the whole backend, so a token can never be confused with one from
// another fork or an earlier checkpoint on the same fork.
type SnapshotID uint64

// fork bundles everything one forked view owns: the remote client pinned to
// its block, the local cache, and the snapshot bookkeeping. Forks share no
// mutable state; mutating one never affects another.
type fork struct {
	id       ForkID
	endpoint string
	pinned   uint64 // 0 until resolved against the chain head
	client   remote.Client
	cache    *cache.StateCache
	journal  *journal

	// revisions is the fork's snapshot stack. Its ids are strictly
	// increasing since tokens are allocated from a backend-wide counter.
	revisions []revision
}

type revision struct {
	id     SnapshotID
	marker int // journal length when the snapshot was taken
}

// ForkDB is the synchronous state surface the interpreter executes against.
// Reads are answered from the active fork's local cache; a miss triggers a
// blocking fetch through the bridge, and the result is cached before it is
// returned. Writes only ever touch the local cache.
//
// All methods are called from a single execution thread; the only
// concurrency lives inside the fetch bridge.
type ForkDB struct {
	cfg    Config
	bridge *fetch.Bridge
	forks  map[ForkID]*fork
	active ForkID

	nextFork     ForkID
	nextSnapshot SnapshotID

	// dial creates the client of a new fork. Swappable in tests.
	dial func(endpoint string, block uint64) (remote.Client, error)

	log log.Logger
}

// New creates a backend with a single initial fork described by the given
// configuration. No network traffic happens before the first read.
func New(cfg Config) (*ForkDB, error) {
	db := &ForkDB{
		cfg:    cfg,
		bridge: fetch.New(cfg.fetchConfig()),
		forks:  map[ForkID]*fork{},
		log:    log.New("module", "forkdb"),
	}
	db.dial = func(endpoint string, block uint64) (remote.Client, error) {
		client, err := remote.Dial(endpoint, block)
		if err != nil {
			return nil, err
		}
		if cfg.NoStorageCaching || cfg.CacheDir == "" || block == 0 {
			return client, nil
		}
		cached, err := cache.OpenDiskCache(cfg.CacheDir, endpoint, block, cfg.FrontCacheEntries, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return cached, nil
	}

	if cfg.ForkURL == "" {
		db.addFork("", 0, nil)
		return db, nil
	}
	if _, err := db.CreateFork(cfg.ForkURL, cfg.ForkBlockNumber); err != nil {
		db.bridge.Close()
		return nil, err
	}
	return db, nil
}

func (db *ForkDB) activeFork() *fork {
	return db.forks[db.active]
}

// --- Read surface (interpreter) ---

// Basic returns the account information of the given address. An account
// that does not exist on the remote source resolves to the empty account.
// The first access of an address fetches it; every later access is served
// from the cache.
func (db *ForkDB) Basic(addr common.Address) (common.Account, error) {
	f := db.activeFork()
	if account, found := f.cache.Account(addr); found {
		return account, nil
	}
	account := common.EmptyAccount()
	if f.client != nil {
		fetched, err := db.bridge.FetchAccount(uint64(f.id), f.client, addr)
		if err != nil {
			// A failed fetch must not leave a stale entry behind.
			return common.Account{}, fmt.Errorf("basic %v: %w", addr, err)
		}
		account = fetched
	}
	f.cache.SetAccount(addr, account)
	return account, nil
}

// CodeByHash returns the code bytes stored under the given hash. Every
// hash handed out by Basic is resolvable; asking for any other hash is
// fatal to the in-flight call, since execution without the bytecode is
// meaningless.
func (db *ForkDB) CodeByHash(hash common.Hash) ([]byte, error) {
	if hash == (common.Hash{}) || hash == common.EmptyCodeHash {
		return nil, nil
	}
	if code, found := db.activeFork().cache.Code(hash); found {
		return code, nil
	}
	return nil, fmt.Errorf("code %v: %w", hash, ErrUnknownCode)
}

// Storage returns the value of the given storage slot. An absent slot
// resolves to the zero word, which is cached as a resolved value so the
// network is asked at most once per slot.
func (db *ForkDB) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	f := db.activeFork()
	key := common.SlotKey{Address: addr, Key: slot}
	if value, found := f.cache.Storage(key); found {
		return value, nil
	}
	var value common.Hash
	if f.client != nil {
		fetched, err := db.bridge.FetchStorage(uint64(f.id), f.client, addr, slot)
		if err != nil {
			return common.Hash{}, fmt.Errorf("storage %v[%v]: %w", addr, slot, err)
		}
		value = fetched
	}
	f.cache.SetStorage(key, value)
	return value, nil
}

// BlockHash returns the hash of the given historical block. A fork's view
// of the chain ends at its pinned block; numbers beyond it resolve to the
// zero hash without a fetch.
func (db *ForkDB) BlockHash(number uint64) (common.Hash, error) {
	f := db.activeFork()
	if info, found := f.cache.Block(number); found {
		return info.Hash, nil
	}
	if f.client == nil {
		return common.Hash{}, nil
	}
	pinned, err := db.pinnedBlock(f)
	if err != nil {
		return common.Hash{}, err
	}
	if number > pinned {
		return common.Hash{}, nil
	}
	info, err := db.bridge.FetchBlock(uint64(f.id), f.client, number)
	if errors.Is(err, remote.ErrNotFound) {
		// Defined answer; cache the zero sentinel to avoid re-asking.
		f.cache.SetBlock(number, common.BlockInfo{Number: number})
		return common.Hash{}, nil
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("block hash %d: %w", number, err)
	}
	f.cache.SetBlock(number, info)
	return info.Hash, nil
}

// BlockEnv returns the header fields of the active fork's pinned block,
// for the interpreter's environment setup. A local fork reports zero
// values.
func (db *ForkDB) BlockEnv() (common.BlockInfo, error) {
	f := db.activeFork()
	if f.client == nil {
		return common.BlockInfo{}, nil
	}
	pinned, err := db.pinnedBlock(f)
	if err != nil {
		return common.BlockInfo{}, err
	}
	if info, found := f.cache.Block(pinned); found {
		return info, nil
	}
	info, err := db.bridge.FetchBlock(uint64(f.id), f.client, pinned)
	if err != nil {
		return common.BlockInfo{}, fmt.Errorf("block env %d: %w", pinned, err)
	}
	f.cache.SetBlock(pinned, info)
	return info, nil
}

// pinnedBlock resolves the fork's pinned block number, asking the remote
// source for the chain head on first use of a latest-pinned fork.
func (db *ForkDB) pinnedBlock(f *fork) (uint64, error) {
	if f.pinned != 0 {
		return f.pinned, nil
	}
	head, err := db.bridge.FetchPinnedBlock(uint64(f.id), f.client)
	if err != nil {
		return 0, fmt.Errorf("pinned block: %w", err)
	}
	f.pinned = head
	return head, nil
}

// Commit applies the batch of writes produced by a completed call to the
// active fork. It is a pure in-memory operation and always succeeds. Every
// write participates in snapshot bookkeeping.
func (db *ForkDB) Commit(delta common.StateDelta) {
	f := db.activeFork()
	for addr, account := range delta.Accounts {
		db.writeAccount(f, addr, normalize(account))
	}
	for key, value := range delta.Storage {
		db.writeStorage(f, key, value)
	}
}

// --- Administrative surface (cheatcodes) ---

// Snapshot records a checkpoint of the active fork and returns its token.
// Cost is proportional to nothing: the checkpoint is a marker into the
// journal, not a copy.
func (db *ForkDB) Snapshot() SnapshotID {
	f := db.activeFork()
	id := db.nextSnapshot
	db.nextSnapshot++
	f.revisions = append(f.revisions, revision{id: id, marker: f.journal.length()})
	return id
}

// RevertTo restores the active fork to the state the given snapshot was
// taken in and invalidates every snapshot taken after it. Reverting to an
// unknown or already-invalidated token fails without mutating anything.
func (db *ForkDB) RevertTo(id SnapshotID) error {
	f := db.activeFork()
	idx := sort.Search(len(f.revisions), func(i int) bool {
		return f.revisions[i].id >= id
	})
	if idx == len(f.revisions) || f.revisions[idx].id != id {
		for forkID, other := range db.forks {
			if forkID == db.active {
				continue
			}
			for _, rev := range other.revisions {
				if rev.id == id {
					return fmt.Errorf("%w: token %d belongs to fork %d", ErrForeignSnapshot, id, forkID)
				}
			}
		}
		return fmt.Errorf("%w: %d", ErrInvalidSnapshot, id)
	}
	f.journal.revert(f, f.revisions[idx].marker)
	f.revisions = f.revisions[:idx]
	return nil
}

// SetBalance forces the balance of an account, resolving it first if it
// was never accessed.
func (db *ForkDB) SetBalance(addr common.Address, balance *uint256.Int) error {
	account, err := db.Basic(addr)
	if err != nil {
		return err
	}
	account.Balance = *balance
	db.writeAccount(db.activeFork(), addr, account)
	return nil
}

// SetNonce forces the nonce of an account.
func (db *ForkDB) SetNonce(addr common.Address, nonce uint64) error {
	account, err := db.Basic(addr)
	if err != nil {
		return err
	}
	account.Nonce = nonce
	db.writeAccount(db.activeFork(), addr, account)
	return nil
}

// SetCode forces the code of an account.
func (db *ForkDB) SetCode(addr common.Address, code []byte) error {
	account, err := db.Basic(addr)
	if err != nil {
		return err
	}
	account.Code = bytes.Clone(code)
	account.CodeHash = common.EmptyCodeHash
	if len(code) > 0 {
		account.CodeHash = common.Keccak256(code)
	}
	db.writeAccount(db.activeFork(), addr, account)
	return nil
}

// SetStorage forces the value of a storage slot. The slot does not need to
// be resolved first; the write defines its value.
func (db *ForkDB) SetStorage(addr common.Address, slot, value common.Hash) {
	db.writeStorage(db.activeFork(), common.SlotKey{Address: addr, Key: slot}, value)
}

// CreateFork allocates a new fork of the given endpoint pinned to the
// given block. The fork starts with empty caches and causes no network
// traffic until its first access. It is not selected automatically.
func (db *ForkDB) CreateFork(endpoint string, block uint64) (ForkID, error) {
	client, err := db.dial(endpoint, block)
	if err != nil {
		return 0, fmt.Errorf("failed to create fork of %s: %w", endpoint, err)
	}
	return db.addFork(endpoint, block, client), nil
}

func (db *ForkDB) addFork(endpoint string, block uint64, client remote.Client) ForkID {
	id := db.nextFork
	db.nextFork++
	db.forks[id] = &fork{
		id:       id,
		endpoint: endpoint,
		pinned:   block,
		client:   client,
		cache:    cache.NewStateCache(),
		journal:  &journal{},
	}
	return id
}

// SelectFork makes the given fork the target of all subsequent calls.
func (db *ForkDB) SelectFork(id ForkID) error {
	if _, found := db.forks[id]; !found {
		return fmt.Errorf("%w: %d", ErrUnknownFork, id)
	}
	db.active = id
	return nil
}

// ActiveFork returns the id of the currently selected fork.
func (db *ForkDB) ActiveFork() ForkID {
	return db.active
}

// RollFork re-pins a fork to a different block number. State at a
// different block is a different dataset, so the fork's cache and snapshot
// stack are discarded entirely; the fork behaves like a freshly created
// one with the same identifier. On failure nothing is mutated.
func (db *ForkDB) RollFork(id ForkID, block uint64) error {
	f, found := db.forks[id]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownFork, id)
	}
	if f.endpoint == "" {
		return fmt.Errorf("fork %d has no remote endpoint to roll", id)
	}
	client, err := db.dial(f.endpoint, block)
	if err != nil {
		return fmt.Errorf("failed to roll fork %d to block %d: %w", id, block, err)
	}
	f.client.Close()
	f.client = client
	f.pinned = block
	f.cache = cache.NewStateCache()
	f.journal = &journal{}
	f.revisions = nil
	db.log.Info("Rolled fork", "fork", id, "block", block)
	return nil
}

// TouchedAccounts enumerates the addresses written on the active fork
// since its most recent snapshot.
func (db *ForkDB) TouchedAccounts() []common.Address {
	f := db.activeFork()
	return f.journal.dirtyAccounts(f.topMarker())
}

// TouchedSlots enumerates the storage slots written on the active fork
// since its most recent snapshot.
func (db *ForkDB) TouchedSlots() []common.SlotKey {
	f := db.activeFork()
	return f.journal.dirtySlots(f.topMarker())
}

func (f *fork) topMarker() int {
	if len(f.revisions) == 0 {
		return 0
	}
	return f.revisions[len(f.revisions)-1].marker
}

// Close shuts down the fetch bridge and releases all fork clients.
func (db *ForkDB) Close() error {
	db.bridge.Close()
	for _, f := range db.forks {
		if f.client != nil {
			f.client.Close()
		}
	}
	return nil
}

// --- internal write path ---

func (db *ForkDB) writeAccount(f *fork, addr common.Address, account common.Account) {
	prev, existed := f.cache.Account(addr)
	f.journal.append(accountChange{addr: addr, prev: prev, existed: existed})
	f.cache.SetAccount(addr, account)
}

func (db *ForkDB) writeStorage(f *fork, key common.SlotKey, value common.Hash) {
	prev, existed := f.cache.Storage(key)
	f.journal.append(storageChange{key: key, prev: prev, existed: existed})
	f.cache.SetStorage(key, value)
}

// normalize fills in the code hash of a delta entry whose producer only
// supplied code bytes.
func normalize(account common.Account) common.Account {
	if account.CodeHash == (common.Hash{}) {
		account.CodeHash = common.EmptyCodeHash
		if len(account.Code) > 0 {
			account.CodeHash = common.Keccak256(account.Code)
		}
	}
	return account
}
