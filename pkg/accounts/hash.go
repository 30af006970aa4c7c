package accounts

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-custody/internal/types"
)

// ComputeAccountHash hashes a record with its address:
// BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], account.Lamports)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], account.RentEpoch)
	h.Write(buf[:])
	h.Write(account.Data)
	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeStateHash returns the Merkle root over every account in db, ordered
// by pubkey. Two ledgers with the same state hash hold identical records.
func ComputeStateHash(db DB) (types.Hash, error) {
	var hashes []types.Hash
	err := db.Iterate(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeMerkleRoot(hashes), nil
}

// ComputeDeltaHash returns the Merkle root over the given entries, ordered by
// pubkey. The runtime records it for every committed transaction. Deleted
// accounts hash as the zero account.
func ComputeDeltaHash(entries []AccountEntry) types.Hash {
	sorted := make([]AccountEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Pubkey.Less(sorted[j].Pubkey)
	})

	hashes := make([]types.Hash, len(sorted))
	for i, e := range sorted {
		account := e.Account
		if account == nil {
			account = &Account{}
		}
		hashes[i] = ComputeAccountHash(e.Pubkey, account)
	}
	return ComputeMerkleRoot(hashes)
}

// ComputeMerkleRoot computes a binary Merkle root.
//
// Leaf: BLAKE3(0x00 || hash)
// Node: BLAKE3(0x01 || left || right), an unpaired node is hashed with zero.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = leafHash(h)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(level[i], right)
		}
		level = next
	}

	return level[0]
}

func leafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+types.HashSize)
	copy(buf[1:], data[:])
	return blake3.Sum256(buf)
}

func nodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+2*types.HashSize)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[1+types.HashSize:], right[:])
	return blake3.Sum256(buf)
}
