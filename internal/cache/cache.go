// Package cache implements the two aggregate caches (script stats,
// script UTXO set) that make address queries incremental over the
// chain's growth rather than its full history after the first call.
// Each cache stores the tip it was computed against; a cached tip that
// has since been orphaned invalidates the cache and the aggregate is
// recomputed from scratch.
package cache

import (
	"errors"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/schema"
	"github.com/Klingon-tech/blockidx/internal/store"
)

// ErrTooPopular is returned by UtxoCache.Get when a script-hash's working
// UTXO set exceeds the caller's limit.
var ErrTooPopular = errors.New("cache: too popular")

// persistThreshold is the row count at which a freshly computed
// aggregate is worth persisting: StatsCache persists above it, UtxoCache
// at or above it.
const persistThreshold = 100

// resolveTip resolves a cached tip_blockhash to its best-chain height. ok
// is false if the block has since been orphaned (ordinary reorg
// invalidation, not an error) or the cache was never populated.
func resolveTip(st *store.Store, tipBlockhash chainwire.Hash, hadCache bool) (startHeight uint32, ok bool) {
	if !hadCache {
		return 0, false
	}
	e, onChain := st.Headers.HeaderByBlockhash(tipBlockhash)
	if !onChain {
		return 0, false
	}
	return e.Height + 1, true
}

// scanDeltaRows ascending-scans a scripthash's history from fromHeight,
// filtered to rows whose confirming transaction is still on the best
// chain at exactly the height the row itself was indexed at. A stale
// row left behind by a reorg (never deleted) confirms at a different
// height now, or not at all, and is skipped either way. An error from
// fn ends the scan and is returned as-is.
func scanDeltaRows(st *store.Store, sh chainwire.FullHash, fromHeight uint32, fn func(row schema.DecodedHistoryRow) error) (rowsSeen int, err error) {
	seekKey := schema.HistoryHeightSeek(sh, fromHeight)
	scanErr := st.History.IterScanFrom(schema.HistoryPrefix(sh), seekKey, func(key, _ []byte) error {
		row := schema.DecodeHistoryKey(key)
		txid := row.FundingTxid
		if !row.IsFunding {
			txid = row.SpendingTxid
		}
		height, onChain, cerr := st.ConfirmingHeight(txid)
		if cerr != nil {
			return cerr
		}
		if !onChain || height != row.Height {
			return nil
		}
		rowsSeen++
		return fn(row)
	})
	return rowsSeen, scanErr
}
