// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Address is a 20-byte account identifier, unique within a fork.
type Address = common.Address

// Hash is a 32-byte word used for code hashes, storage keys, storage
// values, and block hashes.
type Hash = common.Hash

// ConstError is an error type that can be used to declare errors as
// constants, making them immutable and comparable.
type ConstError string

func (e ConstError) Error() string {
	return string(e)
}

// EmptyCodeHash is the hash of an empty code sequence. Accounts without
// code carry this hash.
var EmptyCodeHash = Keccak256(nil)

// Keccak256 computes the Keccak-256 digest of the given data.
func Keccak256(data []byte) Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	var res Hash
	hasher.Sum(res[0:0])
	return res
}

// Account aggregates the basic information of an account: its nonce,
// balance, and code. Code bytes for a given code hash are immutable; once
// resolved, the same hash never maps to different bytes within a run.
type Account struct {
	Nonce    uint64
	Balance  uint256.Int
	CodeHash Hash
	Code     []byte
}

// EmptyAccount returns the canonical account value a non-existing account
// resolves to: nonce 0, balance 0, no code.
func EmptyAccount() Account {
	return Account{CodeHash: EmptyCodeHash}
}

// IsEmpty returns true if the account holds no data beyond the defaults of
// a non-existing account.
func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance.IsZero() && len(a.Code) == 0 &&
		(a.CodeHash == EmptyCodeHash || a.CodeHash == Hash{})
}

// Equal compares two accounts field by field.
func (a *Account) Equal(b *Account) bool {
	return a.Nonce == b.Nonce && a.Balance.Eq(&b.Balance) &&
		a.CodeHash == b.CodeHash && bytes.Equal(a.Code, b.Code)
}

// SlotKey identifies a single storage cell.
type SlotKey struct {
	Address Address
	Key     Hash
}

// BlockInfo holds the subset of header fields the execution environment
// needs. Instances are immutable once fetched, since a fork pins historical
// blocks which never change.
type BlockInfo struct {
	Number    uint64
	Hash      Hash
	Timestamp uint64
	BaseFee   uint256.Int
	GasLimit  uint64
}

// StateDelta is the batch of account and storage writes produced by a
// completed call. Absence of an address or slot means no change; writes to
// the same key in consecutive deltas follow commit order.
type StateDelta struct {
	Accounts map[Address]Account
	Storage  map[SlotKey]Hash
}
