package cache

import (
	"fmt"

	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/kv"
	"github.com/Klingon-tech/blockidx/internal/metrics"
	"github.com/Klingon-tech/blockidx/internal/schema"
	"github.com/Klingon-tech/blockidx/internal/store"
)

// StatsCache computes and incrementally maintains per-scripthash
// ScriptStats, persisted at A{scripthash}.
type StatsCache struct {
	Store   *store.Store
	Metrics *metrics.Registry
}

// NewStatsCache builds a StatsCache over a shared Store.
func NewStatsCache(st *store.Store, reg *metrics.Registry) *StatsCache {
	return &StatsCache{Store: st, Metrics: reg}
}

// Get loads the persisted cache if its tip is still on the best chain,
// extends it with every history row confirmed since, and persists the
// result if it crossed the cheap/expensive threshold.
func (c *StatsCache) Get(sh chainwire.FullHash) (schema.ScriptStats, error) {
	defer c.Metrics.Timer("stats")()

	cached, hadCache, err := c.load(sh)
	if err != nil {
		return schema.ScriptStats{}, fmt.Errorf("cache: stats %x: load: %w", sh, err)
	}
	startHeight, tipValid := resolveTip(c.Store, cached.TipBlockhash, hadCache)

	stats := schema.ScriptStats{}
	if tipValid {
		stats = cached.Stats
	} else {
		startHeight = 0
	}

	newTxCount, funded, fundedSum, spent, spentSum, err := c.delta(sh, startHeight)
	if err != nil {
		return schema.ScriptStats{}, fmt.Errorf("cache: stats %x: delta: %w", sh, err)
	}
	stats.TxCount += newTxCount
	stats.FundedTxoCount += funded
	stats.FundedSum += fundedSum
	stats.SpentTxoCount += spent
	stats.SpentSum += spentSum

	if stats.FundedTxoCount+stats.SpentTxoCount > persistThreshold {
		tip, ok := c.Store.Headers.Tip()
		if ok {
			entry := schema.StatsCacheEntry{Stats: stats, TipBlockhash: tip.Hash}
			if err := c.Store.Cache.Put(schema.StatsCacheKey(sh), schema.EncodeStatsCache(entry)); err != nil {
				return schema.ScriptStats{}, fmt.Errorf("cache: stats %x: persist: %w", sh, err)
			}
		}
	}
	return stats, nil
}

func (c *StatsCache) load(sh chainwire.FullHash) (schema.StatsCacheEntry, bool, error) {
	val, err := c.Store.Cache.Get(schema.StatsCacheKey(sh))
	if err == kv.ErrNotFound {
		return schema.StatsCacheEntry{}, false, nil
	}
	if err != nil {
		return schema.StatsCacheEntry{}, false, err
	}
	entry, derr := schema.DecodeStatsCache(val)
	if derr != nil {
		return schema.StatsCacheEntry{}, false, derr
	}
	return entry, true, nil
}

// delta scans history from startHeight forward, incrementing counters
// per best-chain-confirmed row. TxCount counts each unique txid once per
// block, via a seen-set cleared on every height transition: the clearing
// bounds memory to one block's txids, and a tx can't confirm twice on
// the same best chain anyway.
func (c *StatsCache) delta(sh chainwire.FullHash, startHeight uint32) (txCount, funded uint64, fundedSum uint64, spent uint64, spentSum uint64, err error) {
	seenThisBlock := make(map[chainwire.Hash]bool)
	currentHeight := startHeight
	first := true

	_, scanErr := scanDeltaRows(c.Store, sh, startHeight, func(row schema.DecodedHistoryRow) error {
		if first || row.Height != currentHeight {
			seenThisBlock = make(map[chainwire.Hash]bool)
			currentHeight = row.Height
			first = false
		}
		txid := row.FundingTxid
		if !row.IsFunding {
			txid = row.SpendingTxid
		}
		if !seenThisBlock[txid] {
			seenThisBlock[txid] = true
			txCount++
		}
		if row.IsFunding {
			funded++
			fundedSum += uint64(row.Value)
		} else {
			spent++
			spentSum += uint64(row.Value)
		}
		return nil
	})
	if scanErr != nil {
		return 0, 0, 0, 0, 0, scanErr
	}
	return txCount, funded, fundedSum, spent, spentSum, nil
}
