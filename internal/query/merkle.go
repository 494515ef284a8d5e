package query

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/schema"
)

// MerkleProof is a transaction's inclusion proof against its block's
// Merkle root: the sibling hash at each level, bottom to top, plus the
// txid's position (used to decide hash-concatenation order at each step).
type MerkleProof struct {
	MerkleRoot chainwire.Hash
	Siblings   []chainwire.Hash
	Position   uint32
}

// GetMerkleblockProof reconstructs the block's Merkle tree from its
// stored txid list and extracts txid's inclusion path.
func (q *ChainQuery) GetMerkleblockProof(blockhash, txid chainwire.Hash) (MerkleProof, bool, error) {
	defer q.Metrics.Timer("get_merkleblock_proof")()

	txidBytes, err := q.Store.TxStore.Get(schema.BlockTxidsKey(blockhash))
	if err == kv.ErrNotFound {
		return MerkleProof{}, false, nil
	}
	if err != nil {
		return MerkleProof{}, false, fmt.Errorf("query: merkleblock proof %s: txids: %w", blockhash, err)
	}
	txids, derr := schema.DecodeTxids(txidBytes)
	if derr != nil {
		return MerkleProof{}, false, fmt.Errorf("query: merkleblock proof %s: decode txids: %w", blockhash, derr)
	}

	pos := -1
	for i, t := range txids {
		if t == txid {
			pos = i
			break
		}
	}
	if pos < 0 {
		return MerkleProof{}, false, nil
	}

	level := make([]chainhash.Hash, len(txids))
	copy(level, txids)
	siblings := make([]chainwire.Hash, 0)
	idx := pos

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		siblingIdx := idx ^ 1
		siblings = append(siblings, level[siblingIdx])

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}

	return MerkleProof{MerkleRoot: level[0], Siblings: siblings, Position: uint32(pos)}, true, nil
}

// hashPair double-SHA256s the concatenation of two node hashes in the
// order Bitcoin's Merkle tree construction always uses (left, then
// right, both as raw 32-byte digests).
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
