package query

import (
	"fmt"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/headers"
	"github.com/Klingon-tech/blockidx/internal/schema"
)

// historyHit is one row's decoded (txid, height) pair before best-chain
// filtering and dedup, in the row-scan's native order.
type historyHit struct {
	txid   chainwire.Hash
	height uint32
}

// scanHistoryDescending reverse-scans every H row for sh (funding and
// spending both touch a scripthash's history) and returns one hit per
// row in descending-height scan order, undeduplicated.
func (q *ChainQuery) scanHistoryDescending(sh chainwire.FullHash) ([]historyHit, error) {
	var hits []historyHit
	err := q.Store.History.IterScanReverse(schema.HistoryPrefix(sh), nil, func(key, _ []byte) error {
		row := schema.DecodeHistoryKey(key)
		txid := row.FundingTxid
		if !row.IsFunding {
			txid = row.SpendingTxid
		}
		hits = append(hits, historyHit{txid: txid, height: row.Height})
		return nil
	})
	return hits, err
}

// HistoryEntry is the History result: a confirmed transaction plus its
// loaded body.
type HistoryEntry struct {
	Txid  chainwire.Hash
	Block headers.BlockId
	Tx    *chainwire.Tx
}

// History returns a script's confirmed transactions newest-first:
// reverse scan, dedupe preserving order, skip past lastSeenTxid
// (exclusive cursor), filter to best-chain confirmations, take limit,
// load transaction bodies.
func (q *ChainQuery) History(sh chainwire.FullHash, lastSeenTxid *chainwire.Hash, limit int) ([]HistoryEntry, error) {
	defer q.Metrics.Timer("history")()

	hits, err := q.scanHistoryDescending(sh)
	if err != nil {
		return nil, fmt.Errorf("query: history %x: %w", sh, err)
	}

	seen := make(map[chainwire.Hash]bool)
	skipping := lastSeenTxid != nil
	var out []HistoryEntry
	for _, h := range hits {
		if len(out) >= limit {
			break
		}
		if seen[h.txid] {
			continue
		}
		seen[h.txid] = true
		if skipping {
			if h.txid == *lastSeenTxid {
				skipping = false
			}
			continue
		}
		height, onChain, cerr := q.Store.ConfirmingHeight(h.txid)
		if cerr != nil {
			return nil, fmt.Errorf("query: history %x: confirming height for %s: %w", sh, h.txid, cerr)
		}
		if !onChain {
			continue
		}
		bid, ok := q.Store.Headers.BlockIdByHeight(height)
		if !ok {
			continue
		}
		tx, ok, lerr := q.LookupTxn(h.txid)
		if lerr != nil {
			return nil, fmt.Errorf("query: history %x: lookup txn %s: %w", sh, h.txid, lerr)
		}
		if !ok {
			continue
		}
		out = append(out, HistoryEntry{Txid: h.txid, Block: bid, Tx: tx})
	}
	return out, nil
}

// TxidEntry is the HistoryTxids result: a confirmed txid and its
// BlockId, with no transaction body loaded.
type TxidEntry struct {
	Txid  chainwire.Hash
	Block headers.BlockId
}

// HistoryTxids returns a script's confirmed txids in ascending height
// order without loading transaction bodies: forward scan (the history
// key's big-endian height yields ascending order for free), dedupe
// preserving order, skip past lastSeenTxid (exclusive cursor), filter
// to best-chain confirmations, take limit. Paginating with the last
// txid of the previous page continues with the next newer entry.
func (q *ChainQuery) HistoryTxids(sh chainwire.FullHash, lastSeenTxid *chainwire.Hash, limit int) ([]TxidEntry, error) {
	defer q.Metrics.Timer("history_txids")()

	var hits []historyHit
	if err := q.Store.History.IterScan(schema.HistoryPrefix(sh), func(key, _ []byte) error {
		row := schema.DecodeHistoryKey(key)
		txid := row.FundingTxid
		if !row.IsFunding {
			txid = row.SpendingTxid
		}
		hits = append(hits, historyHit{txid: txid, height: row.Height})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("query: history_txids %x: %w", sh, err)
	}

	seen := make(map[chainwire.Hash]bool)
	skipping := lastSeenTxid != nil
	var out []TxidEntry
	for _, h := range hits {
		if len(out) >= limit {
			break
		}
		if seen[h.txid] {
			continue
		}
		seen[h.txid] = true
		if skipping {
			if h.txid == *lastSeenTxid {
				skipping = false
			}
			continue
		}
		height, onChain, cerr := q.Store.ConfirmingHeight(h.txid)
		if cerr != nil {
			return nil, fmt.Errorf("query: history_txids %x: confirming height for %s: %w", sh, h.txid, cerr)
		}
		if !onChain {
			continue
		}
		bid, ok := q.Store.Headers.BlockIdByHeight(height)
		if !ok {
			continue
		}
		out = append(out, TxidEntry{Txid: h.txid, Block: bid})
	}
	return out, nil
}
