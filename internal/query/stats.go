package query

import (
	"github.com/Klingon-tech/blockidx/internal/cache"
	"github.com/Klingon-tech/blockidx/internal/chainwire"
	"github.com/Klingon-tech/blockidx/internal/schema"
)

// Stats returns a script's aggregate counters, delegating to the stats
// cache. ChainQuery records no separate timer here since StatsCache.Get
// already records one labeled "stats".
func (q *ChainQuery) Stats(sh chainwire.FullHash) (schema.ScriptStats, error) {
	return cache.NewStatsCache(q.Store, q.Metrics).Get(sh)
}

// Utxo returns a script's unspent outputs, delegating to the UTXO
// cache. Returns cache.ErrTooPopular if limit is exceeded.
func (q *ChainQuery) Utxo(sh chainwire.FullHash, limit int) ([]cache.UtxoEntry, error) {
	return cache.NewUtxoCache(q.Store, q.Metrics).Get(sh, limit)
}
