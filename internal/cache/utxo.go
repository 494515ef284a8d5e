package cache

import (
	"fmt"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/headers"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/schema"
	"github.com/Klingon-tech/blockidx/internal/store"
)

// UtxoCache computes and incrementally maintains a scripthash's unspent
// outputs, persisted at U{scripthash}.
type UtxoCache struct {
	Store   *store.Store
	Metrics *metrics.Registry
}

// NewUtxoCache builds a UtxoCache over a shared Store.
func NewUtxoCache(st *store.Store, reg *metrics.Registry) *UtxoCache {
	return &UtxoCache{Store: st, Metrics: reg}
}

// UtxoEntry is a single unspent output in a UtxoCache.Get result.
type UtxoEntry struct {
	Outpoint chainwire.OutPoint
	Block    headers.BlockId
	Value    int64
}

// Get returns the script's unspent outputs at the current tip. Returns
// ErrTooPopular if the working set ever exceeds limit during the
// incremental scan.
func (c *UtxoCache) Get(sh chainwire.FullHash, limit int) ([]UtxoEntry, error) {
	defer c.Metrics.Timer("utxo")()

	cached, hadCache, err := c.load(sh)
	if err != nil {
		return nil, fmt.Errorf("cache: utxo %x: load: %w", sh, err)
	}
	startHeight, tipValid := resolveTip(c.Store, cached.TipBlockhash, hadCache)

	utxos := make(map[chainwire.OutPoint]schema.CachedUtxoEntry)
	if tipValid {
		for op, v := range cached.Utxos {
			utxos[op] = v
		}
	} else {
		startHeight = 0
	}

	rowsSeen, err := c.delta(sh, startHeight, limit, utxos)
	if err != nil {
		return nil, err
	}

	if hadCache || rowsSeen >= persistThreshold {
		tip, ok := c.Store.Headers.Tip()
		if ok {
			entry := schema.UtxoCacheEntry{Utxos: utxos, TipBlockhash: tip.Hash}
			if err := c.Store.Cache.Put(schema.UtxoCacheKey(sh), schema.EncodeUtxoCache(entry)); err != nil {
				return nil, fmt.Errorf("cache: utxo %x: persist: %w", sh, err)
			}
		}
	}

	out := make([]UtxoEntry, 0, len(utxos))
	for op, v := range utxos {
		bid, ok := c.Store.Headers.BlockIdByHeight(v.Height)
		if !ok {
			continue
		}
		out = append(out, UtxoEntry{Outpoint: op, Block: bid, Value: v.Value})
	}
	return out, nil
}

func (c *UtxoCache) load(sh chainwire.FullHash) (schema.UtxoCacheEntry, bool, error) {
	val, err := c.Store.Cache.Get(schema.UtxoCacheKey(sh))
	if err == kv.ErrNotFound {
		return schema.UtxoCacheEntry{}, false, nil
	}
	if err != nil {
		return schema.UtxoCacheEntry{}, false, err
	}
	entry, derr := schema.DecodeUtxoCache(val)
	if derr != nil {
		return schema.UtxoCacheEntry{}, false, derr
	}
	return entry, true, nil
}

// delta applies history rows to the working set: Funding rows insert,
// Spending rows remove the outpoint they reference (prev_txid/prev_vout,
// the funding output being consumed, not the spending transaction's own
// txid).
func (c *UtxoCache) delta(sh chainwire.FullHash, startHeight uint32, limit int, utxos map[chainwire.OutPoint]schema.CachedUtxoEntry) (int, error) {
	rowsSeen, err := scanDeltaRows(c.Store, sh, startHeight, func(row schema.DecodedHistoryRow) error {
		if row.IsFunding {
			op := chainwire.OutPoint{Hash: row.FundingTxid, Index: uint32(row.FundingVout)}
			utxos[op] = schema.CachedUtxoEntry{Height: row.Height, Value: row.Value}
			if len(utxos) > limit {
				return ErrTooPopular
			}
			return nil
		}
		op := chainwire.OutPoint{Hash: row.PrevTxid, Index: uint32(row.PrevVout)}
		delete(utxos, op)
		return nil
	})
	if err != nil {
		if err == ErrTooPopular {
			return rowsSeen, ErrTooPopular
		}
		return rowsSeen, fmt.Errorf("cache: utxo %x: delta: %w", sh, err)
	}
	return rowsSeen, nil
}
