// Package query implements the read-side API: header/blockid lookups,
// transaction and UTXO point reads, script history, aggregate
// stats/utxo (delegated to internal/cache), block status, Merkle
// proofs, and address search. ChainQuery never writes; internal/indexer
// is the Store's sole writer. Absent or orphaned lookups return an
// ok=false, not an error.
package query

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/blockidx/config"
	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/headers"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/rpc"
	"github.com/Klingon-tech/blockidx/internal/store"
)

// ChainQuery is the shared read-side handle query callers hold. Safe for
// concurrent use: every method either takes the header list's read lock
// or reads an already-durable KV namespace; only the header list's write
// lock, held while the indexer applies new headers, makes a reader wait.
type ChainQuery struct {
	Store   *store.Store
	Daemon  *rpc.Daemon // used only for light-mode raw tx/block fallback; may be nil if light mode is never used
	Metrics *metrics.Registry
	Cfg     *config.Config
	Net     *chaincfg.Params
}

// New builds a ChainQuery over a shared Store.
func New(st *store.Store, daemon *rpc.Daemon, reg *metrics.Registry, cfg *config.Config, net *chaincfg.Params) *ChainQuery {
	return &ChainQuery{Store: st, Daemon: daemon, Metrics: reg, Cfg: cfg, Net: net}
}

// BlockStatus reports whether a block is on the best chain: confirmed
// (with the chain tip's height alongside) or orphaned.
type BlockStatus struct {
	Confirmed bool
	Height    uint32
	NextBest  uint32
}

// HeaderByHash returns the header-list entry for hash, if on the best chain.
func (q *ChainQuery) HeaderByHash(hash chainwire.Hash) (headers.Entry, bool) {
	defer q.Metrics.Timer("header_by_hash")()
	return q.Store.Headers.HeaderByBlockhash(hash)
}

// HeaderByHeight returns the header-list entry at height.
func (q *ChainQuery) HeaderByHeight(height uint32) (headers.Entry, bool) {
	defer q.Metrics.Timer("header_by_height")()
	return q.Store.Headers.HeaderByHeight(height)
}

// HashByHeight returns the best-chain block hash at height.
func (q *ChainQuery) HashByHeight(height uint32) (chainwire.Hash, bool) {
	defer q.Metrics.Timer("hash_by_height")()
	e, ok := q.Store.Headers.HeaderByHeight(height)
	if !ok {
		return chainwire.Hash{}, false
	}
	return e.Hash, true
}

// BlockIdByHash returns the BlockId tag for a best-chain block hash.
func (q *ChainQuery) BlockIdByHash(hash chainwire.Hash) (headers.BlockId, bool) {
	defer q.Metrics.Timer("blockid_by_hash")()
	return q.Store.Headers.BlockIdByHash(hash)
}

// BlockIdByHeight returns the BlockId tag for a best-chain height.
func (q *ChainQuery) BlockIdByHeight(height uint32) (headers.BlockId, bool) {
	defer q.Metrics.Timer("blockid_by_height")()
	return q.Store.Headers.BlockIdByHeight(height)
}

// BestHeight returns the best chain's tip height. ok is false before the
// first successful indexer update (no header list yet).
func (q *ChainQuery) BestHeight() (uint32, bool) {
	defer q.Metrics.Timer("best_height")()
	e, ok := q.Store.Headers.Tip()
	if !ok {
		return 0, false
	}
	return e.Height, true
}

// BestHash returns the best chain's tip hash.
func (q *ChainQuery) BestHash() (chainwire.Hash, bool) {
	defer q.Metrics.Timer("best_hash")()
	e, ok := q.Store.Headers.Tip()
	if !ok {
		return chainwire.Hash{}, false
	}
	return e.Hash, true
}

// BestHeader returns the best chain's tip header-list entry.
func (q *ChainQuery) BestHeader() (headers.Entry, bool) {
	defer q.Metrics.Timer("best_header")()
	return q.Store.Headers.Tip()
}

// TxConfirmingBlock scans every block that ever confirmed txid (across
// every fork the indexer has observed) and returns the one still on the
// best chain. Reorg doesn't delete C rows, so best-chain membership is
// filtered at read time instead.
func (q *ChainQuery) TxConfirmingBlock(txid chainwire.Hash) (headers.BlockId, bool, error) {
	defer q.Metrics.Timer("tx_confirming_block")()
	blockhash, ok, err := q.Store.ConfirmingBlockhash(txid)
	if err != nil {
		return headers.BlockId{}, false, fmt.Errorf("query: tx confirming block %s: %w", txid, err)
	}
	if !ok {
		return headers.BlockId{}, false, nil
	}
	bid, onChain := q.Store.Headers.BlockIdByHash(blockhash)
	return bid, onChain, nil
}

// GetBlockStatus reports confirmed with the tip height alongside if
// hash is on the best chain, orphaned otherwise (including "never seen
// at all").
func (q *ChainQuery) GetBlockStatus(hash chainwire.Hash) (BlockStatus, error) {
	defer q.Metrics.Timer("get_block_status")()
	e, ok := q.Store.Headers.HeaderByBlockhash(hash)
	if !ok {
		return BlockStatus{Confirmed: false}, nil
	}
	tip, ok := q.Store.Headers.Tip()
	if !ok {
		return BlockStatus{}, fmt.Errorf("query: get block status %s: header list has entries but no tip", hash)
	}
	return BlockStatus{Confirmed: true, Height: e.Height, NextBest: tip.Height}, nil
}
